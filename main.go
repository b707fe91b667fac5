package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"cabbageSI/bitcask"
	"cabbageSI/logger"
	"cabbageSI/metrics"
	"cabbageSI/oracle"
	"cabbageSI/region"
	"cabbageSI/server"
	"cabbageSI/storage"
	"cabbageSI/txn"
)

func main() {
	configFile := flag.String("config", "config/db.yaml", "Configuration file path")
	flag.Parse()

	root := filepath.Dir(*configFile)
	cfg := LoadConfig(*configFile)

	if err := logger.InitLogger(cfg.Namespace, cfg.LogLevel, resolve(root, cfg.LogDir)); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	n, err := newNode(cfg, root)
	if err != nil {
		logger.Fatalf("start node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = n.run(ctx)
	if cerr := n.close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	if err != nil {
		logger.Errorw("node stopped with error", "error", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("node stopped")
}

type Config struct {
	Namespace          string        `json:"namespace" mapstructure:"namespace"`
	ListenHTTP         string        `json:"listen_http" mapstructure:"listen_http"`
	LogLevel           string        `json:"log_level" mapstructure:"log_level"`
	LogDir             string        `json:"log_dir" mapstructure:"log_dir"`
	DataDir            string        `json:"data_dir" mapstructure:"data_dir"`
	Engine             string        `json:"engine" mapstructure:"engine"`
	CompactThresh      float64       `json:"compact_threshold" mapstructure:"compact_threshold"`
	OracleBatchSize    uint64        `json:"oracle_batch_size" mapstructure:"oracle_batch_size"`
	TransactionTimeout time.Duration `json:"transaction_timeout" mapstructure:"transaction_timeout"`
	Retention          time.Duration `json:"retention" mapstructure:"retention"`
	TxnCacheSize       int           `json:"txn_cache_size" mapstructure:"txn_cache_size"`
	RowLockWait        time.Duration `json:"row_lock_wait" mapstructure:"row_lock_wait"`
	CompactionInterval time.Duration `json:"compaction_interval" mapstructure:"compaction_interval"`
	RetryTimeout       time.Duration `json:"retry_timeout" mapstructure:"retry_timeout"`
	IgnoreTxns         []string      `json:"ignore_txns" mapstructure:"ignore_txns"`
}

func DefaultConfig() *Config {
	return &Config{
		Namespace:          "default",
		ListenHTTP:         "0.0.0.0:9605",
		LogLevel:           "INFO",
		LogDir:             "logs",
		DataDir:            "data",
		Engine:             "bitcask",
		CompactThresh:      0.2,
		OracleBatchSize:    oracle.DefaultBatchSize,
		TransactionTimeout: time.Minute,
		Retention:          time.Hour,
		TxnCacheSize:       txn.DefaultCacheSize,
		RowLockWait:        region.DefaultRowLockWait,
		CompactionInterval: 5 * time.Minute,
		RetryTimeout:       server.DefaultRetryTimeout,
	}
}

func LoadConfig(configFile string) *Config {
	viperCfg := viper.New()
	viperCfg.AddConfigPath(".")
	viperCfg.SetConfigFile(configFile)
	if err := viperCfg.ReadInConfig(); err != nil {
		fmt.Println("Read Config error:", err.Error())
	}

	config := DefaultConfig()
	if err := viperCfg.Unmarshal(config); err != nil {
		fmt.Println(err)
		return DefaultConfig()
	}
	return config
}

func resolve(root, dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

// node is one process: the engines, the transaction store over them, one region and its
// HTTP surface.
type node struct {
	cfg     *Config
	engines []storage.Engine
	txns    *txn.Store
	region  *region.Region
	server  *server.Server
}

func openEngine(cfg *Config, root, name string) (storage.Engine, error) {
	switch cfg.Engine {
	case "bitcask":
		return bitcask.NewCompact(filepath.Join(resolve(root, cfg.DataDir), name), cfg.CompactThresh)
	case "memory":
		return storage.NewMemEngine(), nil
	}
	return nil, errors.Errorf("unknown storage engine %q", cfg.Engine)
}

// newNode keeps cells apart from transaction records and the timestamp counter, the way
// the data and coordination services would be apart in a cluster.
func newNode(cfg *Config, root string) (*node, error) {
	ignore, err := txn.ParseIgnoreRanges(cfg.IgnoreTxns)
	if err != nil {
		return nil, errors.Wrap(err, "ignore_txns")
	}
	cells, err := openEngine(cfg, root, "cells")
	if err != nil {
		return nil, errors.Wrap(err, "open cell engine")
	}
	coordination, err := openEngine(cfg, root, "txn")
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "open txn engine"), cells.Close())
	}

	m := metrics.NewMetrics()
	txns := txn.NewStore(
		txn.NewEngineRecordStore(coordination),
		oracle.NewBatchOracle(oracle.NewEngineCounter(coordination), cfg.OracleBatchSize, m),
		txn.Options{
			Namespace: cfg.Namespace,
			Timeout:   cfg.TransactionTimeout,
			CacheSize: cfg.TxnCacheSize,
			Ignore:    ignore,
			Metrics:   m,
		},
	)
	r := region.NewRegion(storage.NewStore(cells), txns, region.Options{RowLockWait: cfg.RowLockWait, Metrics: m})
	return &node{
		cfg:     cfg,
		engines: []storage.Engine{cells, coordination},
		txns:    txns,
		region:  r,
		server:  server.NewServer(r, m, server.Options{Addr: cfg.ListenHTTP, RetryTimeout: cfg.RetryTimeout}),
	}, nil
}

func (n *node) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.server.Serve(ctx) })
	if n.cfg.CompactionInterval > 0 {
		g.Go(func() error { return every(ctx, n.cfg.CompactionInterval, n.compact) })
	}
	if n.cfg.TransactionTimeout > 0 {
		g.Go(func() error { return every(ctx, n.cfg.TransactionTimeout/2, n.reap) })
	}
	logger.Infow("node started", "namespace", n.cfg.Namespace, "http", n.cfg.ListenHTTP, "engine", n.cfg.Engine)
	return g.Wait()
}

// every runs fn on each tick until ctx is done. fn errors are logged, not fatal.
func every(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Warnw("background task failed", "error", err)
			}
		}
	}
}

// compact runs one compaction pass. Records are pruned only after a pass in which every row
// was resolved, since a failed row may still reference them.
func (n *node) compact(ctx context.Context) error {
	if _, err := n.region.Compact(ctx, storage.ScanRange{}); err != nil {
		return err
	}
	if n.cfg.Retention > 0 {
		if _, err := n.txns.Prune(ctx, time.Now().Add(-n.cfg.Retention)); err != nil {
			return err
		}
	}
	return n.compactEngines()
}

// compactEngines rewrites bitcask files whose garbage ratio is over the threshold.
func (n *node) compactEngines() error {
	var errs error
	for _, e := range n.engines {
		b, ok := e.(*bitcask.BitCask)
		if !ok {
			continue
		}
		status, err := b.Status()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if status.GarbageDiskSize == 0 || status.GarbageRatio() < n.cfg.CompactThresh {
			continue
		}
		logger.Infow("compacting bitcask", "file", status.FileName, "garbageRatio", status.GarbageRatio())
		errs = multierr.Append(errs, b.Compact())
	}
	return errs
}

func (n *node) reap(ctx context.Context) error {
	reaped, err := n.txns.ReapExpired(ctx)
	if reaped > 0 {
		logger.Infow("reaped expired transactions", "count", reaped)
	}
	return err
}

func (n *node) close() error {
	var errs error
	for _, e := range n.engines {
		errs = multierr.Append(errs, e.Close())
	}
	return errs
}
