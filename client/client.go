package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Client speaks the node's HTTP API.
type Client struct {
	Base    string
	Timeout time.Duration
}

// APIError is a non-2xx answer of the node.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

type Txn struct {
	ID        uint64   `json:"id"`
	Parent    uint64   `json:"parent"`
	State     string   `json:"state"`
	Isolation string   `json:"isolation"`
	CommitTS  uint64   `json:"commit_ts"`
	ReadOnly  bool     `json:"read_only"`
	Chain     []uint64 `json:"chain"`
}

type Column struct {
	Family    string `json:"family"`
	Qualifier string `json:"qualifier"`
	Value     string `json:"value,omitempty"`
	Delete    bool   `json:"delete,omitempty"`
}

type Mutation struct {
	Row       string   `json:"row"`
	DeleteRow bool     `json:"delete_row,omitempty"`
	Columns   []Column `json:"columns,omitempty"`
}

type WriteResult struct {
	Row    string `json:"row"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type Cell struct {
	Family    string `json:"family"`
	Qualifier string `json:"qualifier"`
	Value     string `json:"value"`
	Timestamp uint64 `json:"ts"`
}

type Row struct {
	Key   string `json:"key"`
	Cells []Cell `json:"cells"`
}

type CompactReport struct {
	Horizon     uint64         `json:"horizon"`
	Rows        int            `json:"rows"`
	FailedRows  int            `json:"failed_rows"`
	Resolved    int            `json:"resolved"`
	GarbageRows int            `json:"garbage_rows"`
	Dropped     map[string]int `json:"dropped"`
	Error       string         `json:"error"`
}

type Status struct {
	Namespace    string  `json:"namespace"`
	Active       int     `json:"active"`
	Keys         uint64  `json:"keys"`
	Size         uint64  `json:"size"`
	GarbageRatio float64 `json:"garbage_ratio"`
	GarbageRows  int     `json:"garbage_rows"`
}

func NewClient(host string, port uint) *Client {
	return &Client{Base: fmt.Sprintf("http://%s:%d", host, port), Timeout: 10 * time.Second}
}

// call sends body as JSON and decodes a 2xx answer into out. 207 counts as success: the
// caller reads the per-row outcome from out.
func (c *Client) call(method, path string, body, out interface{}) error {
	var agent *fiber.Agent
	switch method {
	case fiber.MethodPost:
		agent = fiber.Post(c.Base + path)
	default:
		agent = fiber.Get(c.Base + path)
	}
	agent.Timeout(c.Timeout)
	if body != nil {
		agent.JSON(body)
	}

	code, raw, errs := agent.Bytes()
	if len(errs) > 0 {
		return errors.Wrapf(multierr.Combine(errs...), "%s %s", method, path)
	}
	if code >= fiber.StatusBadRequest {
		apiErr := &APIError{Status: code}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(raw)
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(raw, out), "decode %s %s", method, path)
}

func txnPath(id uint64, op string) string {
	p := "/txn/" + strconv.FormatUint(id, 10)
	if op != "" {
		p += "/" + op
	}
	return p
}

func (c *Client) Begin(parent uint64, readOnly bool) (*Txn, error) {
	t := &Txn{}
	err := c.call(fiber.MethodPost, "/txn/", map[string]interface{}{"parent": parent, "read_only": readOnly}, t)
	return t, err
}

func (c *Client) Get(id uint64) (*Txn, error) {
	t := &Txn{}
	err := c.call(fiber.MethodGet, txnPath(id, ""), nil, t)
	return t, err
}

func (c *Client) Commit(id uint64) (uint64, error) {
	var out struct {
		CommitTS uint64 `json:"commit_ts"`
	}
	err := c.call(fiber.MethodPost, txnPath(id, "commit"), nil, &out)
	return out.CommitTS, err
}

func (c *Client) Rollback(id uint64) error {
	return c.call(fiber.MethodPost, txnPath(id, "rollback"), nil, nil)
}

func (c *Client) KeepAlive(id uint64) error {
	return c.call(fiber.MethodPost, txnPath(id, "keepalive"), nil, nil)
}

func (c *Client) Elevate(id uint64, rows []string) error {
	return c.call(fiber.MethodPost, txnPath(id, "elevate"), map[string]interface{}{"rows": rows}, nil)
}

func (c *Client) Write(id uint64, mutations []Mutation) ([]WriteResult, error) {
	var out struct {
		Results []WriteResult `json:"results"`
	}
	err := c.call(fiber.MethodPost, txnPath(id, "write"), map[string]interface{}{"mutations": mutations}, &out)
	return out.Results, err
}

// Row returns nil when the row is absent for id.
func (c *Client) Row(id uint64, key string) (*Row, error) {
	r := &Row{}
	err := c.call(fiber.MethodGet, txnPath(id, "row/"+url.PathEscape(key)), nil, r)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == fiber.StatusNotFound && apiErr.Code == "" {
		return nil, nil
	}
	return r, err
}

func (c *Client) Scan(id uint64, start, end string, limit int) ([]Row, error) {
	q := url.Values{}
	if start != "" {
		q.Set("start", start)
	}
	if end != "" {
		q.Set("end", end)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := txnPath(id, "scan")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Rows []Row `json:"rows"`
	}
	err := c.call(fiber.MethodGet, path, nil, &out)
	return out.Rows, err
}

func (c *Client) Compact() (*CompactReport, error) {
	r := &CompactReport{}
	err := c.call(fiber.MethodPost, "/compact", nil, r)
	return r, err
}

func (c *Client) Status() (*Status, error) {
	s := &Status{}
	err := c.call(fiber.MethodGet, "/status", nil, s)
	return s, err
}
