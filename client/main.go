package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"
)

type Options struct {
	Command string
	Host    string
	Port    uint
}

func ParseArgs() *Options {
	opts := &Options{}
	flag.StringVar(&opts.Host, "H", "127.0.0.1", "Host to connect to")
	flag.StringVar(&opts.Host, "host", "127.0.0.1", "Host to connect to")
	flag.UintVar(&opts.Port, "p", 9605, "Port number to connect to")
	flag.UintVar(&opts.Port, "port", 9605, "Port number to connect to")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		opts.Command = strings.Join(args, " ")
	}
	return opts
}

// Shell is the interactive front end. Commands name the transaction they act on explicitly,
// except that "use <id>" sets a default for the ones that take one.
type Shell struct {
	Client      *Client
	Out         io.Writer
	HistoryPath string
	ShowHeaders bool
	current     uint64
}

func NewShell(client *Client, out io.Writer) *Shell {
	home, _ := os.UserHomeDir()
	return &Shell{
		Client:      client,
		Out:         out,
		HistoryPath: home + "/.cabbagesi_history",
		ShowHeaders: true,
	}
}

const help = `
Commands:

    begin [ro] [parent]               Begin a transaction and use it
    use <txn>                         Make txn the default for the commands below
    commit [txn]                      Commit
    rollback [txn]                    Roll back
    keepalive [txn]                   Refresh the keep-alive
    elevate [txn] <row>...            Make a read-only transaction writable
    txn [txn]                         Show a transaction record
    put <row> <fam:qual>=<value>...   Write columns of a row
    delcol <row> <fam:qual>...        Delete columns of a row
    delrow <row>                      Delete a row
    get <row>                         Read a row
    scan [start] [end] [limit]        Read a range of rows
    compact                           Compact the region
    status                            Show region status
    headers <on|off>                  Toggle table headers
    help                              Show this help
`

// Execute runs one command line.
func (s *Shell) Execute(input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help":
		fmt.Fprint(s.Out, help)
	case "headers":
		if len(args) != 1 {
			return fmt.Errorf("usage: headers <on|off>")
		}
		s.ShowHeaders = args[0] != "off"
		fmt.Fprintf(s.Out, "Headers %s\n", args[0])
	case "begin":
		return s.begin(args)
	case "use":
		if len(args) != 1 {
			return fmt.Errorf("usage: use <txn>")
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		s.current = id
	case "commit":
		id, _, err := s.txnArg(args)
		if err != nil {
			return err
		}
		ts, err := s.Client.Commit(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.Out, "Committed transaction %d at %d\n", id, ts)
	case "rollback":
		id, _, err := s.txnArg(args)
		if err != nil {
			return err
		}
		if err := s.Client.Rollback(id); err != nil {
			return err
		}
		fmt.Fprintf(s.Out, "Rolled back transaction %d\n", id)
	case "keepalive":
		id, _, err := s.txnArg(args)
		if err != nil {
			return err
		}
		return s.Client.KeepAlive(id)
	case "elevate":
		id, rest, err := s.txnArg(args)
		if err != nil {
			return err
		}
		if err := s.Client.Elevate(id, rest); err != nil {
			return err
		}
		fmt.Fprintf(s.Out, "Transaction %d is writable\n", id)
	case "txn":
		id, _, err := s.txnArg(args)
		if err != nil {
			return err
		}
		t, err := s.Client.Get(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.Out, "%d %s %s read_only=%t commit_ts=%d chain=%v\n", t.ID, t.State, t.Isolation, t.ReadOnly, t.CommitTS, t.Chain)
	case "put", "delcol", "delrow":
		return s.write(cmd, args)
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <row>")
		}
		id, err := s.need()
		if err != nil {
			return err
		}
		row, err := s.Client.Row(id, args[0])
		if err != nil {
			return err
		}
		if row == nil {
			fmt.Fprintln(s.Out, "(no row)")
			return nil
		}
		s.printRows([]Row{*row})
	case "scan":
		id, err := s.need()
		if err != nil {
			return err
		}
		var start, end string
		var limit int
		if len(args) > 0 {
			start = args[0]
		}
		if len(args) > 1 {
			end = args[1]
		}
		if len(args) > 2 {
			if limit, err = strconv.Atoi(args[2]); err != nil {
				return fmt.Errorf("invalid limit %q", args[2])
			}
		}
		rows, err := s.Client.Scan(id, start, end, limit)
		if err != nil {
			return err
		}
		s.printRows(rows)
	case "compact":
		r, err := s.Client.Compact()
		if err != nil {
			return err
		}
		reasons := make([]string, 0, len(r.Dropped))
		for reason, n := range r.Dropped {
			reasons = append(reasons, fmt.Sprintf("%s=%d", reason, n))
		}
		sort.Strings(reasons)
		fmt.Fprintf(s.Out, "Compacted %d rows at horizon %d (%d failed, %d queued) dropped: %s\n", r.Rows, r.Horizon, r.FailedRows, r.GarbageRows, strings.Join(reasons, " "))
		if r.Error != "" {
			fmt.Fprintf(s.Out, "Errors: %s\n", r.Error)
		}
	case "status":
		st, err := s.Client.Status()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.Out, "namespace=%s active=%d keys=%d size=%d garbage=%.2f garbage_rows=%d\n", st.Namespace, st.Active, st.Keys, st.Size, st.GarbageRatio, st.GarbageRows)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid transaction id %q", s)
	}
	return id, nil
}

func (s *Shell) need() (uint64, error) {
	if s.current == 0 {
		return 0, fmt.Errorf("no transaction in use, run begin or use first")
	}
	return s.current, nil
}

// txnArg takes a leading transaction id from args, falling back to the one in use.
func (s *Shell) txnArg(args []string) (uint64, []string, error) {
	if len(args) > 0 {
		if id, err := strconv.ParseUint(args[0], 10, 64); err == nil && id > 0 {
			return id, args[1:], nil
		}
	}
	id, err := s.need()
	return id, args, err
}

func (s *Shell) begin(args []string) error {
	var readOnly bool
	var parent uint64
	for _, a := range args {
		if a == "ro" {
			readOnly = true
			continue
		}
		p, err := parseID(a)
		if err != nil {
			return err
		}
		parent = p
	}
	t, err := s.Client.Begin(parent, readOnly)
	if err != nil {
		return err
	}
	s.current = t.ID
	mode := "read-write"
	if t.ReadOnly {
		mode = "read-only"
	}
	fmt.Fprintf(s.Out, "Began %s transaction %d\n", mode, t.ID)
	return nil
}

func splitColumn(spec string) (string, string, error) {
	fam, qual, ok := strings.Cut(spec, ":")
	if !ok || fam == "" {
		return "", "", fmt.Errorf("column %q must be family:qualifier", spec)
	}
	return fam, qual, nil
}

func (s *Shell) write(cmd string, args []string) error {
	id, err := s.need()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: %s <row> ...", cmd)
	}
	m := Mutation{Row: args[0]}
	switch cmd {
	case "delrow":
		m.DeleteRow = true
	case "put":
		for _, spec := range args[1:] {
			col, value, ok := strings.Cut(spec, "=")
			if !ok {
				return fmt.Errorf("column %q must be family:qualifier=value", spec)
			}
			fam, qual, err := splitColumn(col)
			if err != nil {
				return err
			}
			m.Columns = append(m.Columns, Column{Family: fam, Qualifier: qual, Value: value})
		}
	case "delcol":
		for _, spec := range args[1:] {
			fam, qual, err := splitColumn(spec)
			if err != nil {
				return err
			}
			m.Columns = append(m.Columns, Column{Family: fam, Qualifier: qual, Delete: true})
		}
	}
	if !m.DeleteRow && len(m.Columns) == 0 {
		return fmt.Errorf("usage: %s <row> <fam:qual>...", cmd)
	}

	results, err := s.Client.Write(id, []Mutation{m})
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(s.Out, "%s: %s (%s)\n", r.Row, r.Status, r.Error)
			continue
		}
		fmt.Fprintf(s.Out, "%s: %s\n", r.Row, r.Status)
	}
	return nil
}

func (s *Shell) printRows(rows []Row) {
	w := tabwriter.NewWriter(s.Out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	if s.ShowHeaders {
		fmt.Fprintln(w, "row\tcolumn\tvalue\tts")
	}
	for _, r := range rows {
		for _, c := range r.Cells {
			fmt.Fprintf(w, "%s\t%s:%s\t%s\t%d\n", r.Key, c.Family, c.Qualifier, c.Value, c.Timestamp)
		}
	}
}

func (s *Shell) prompt() string {
	if s.current == 0 {
		return "si> "
	}
	return fmt.Sprintf("si:%d> ", s.current)
}

// Run is the read-eval-print loop.
func (s *Shell) Run() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     s.HistoryPath,
		AutoComplete:    s.CreateCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		rl.SetPrompt(s.prompt())
		input, err := rl.Readline()
		if err != nil {
			break
		}
		line := strings.TrimSpace(input)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := s.Execute(line); err != nil {
			fmt.Fprintf(s.Out, "Error: %v\n", err)
		}
	}
	return nil
}

func (s *Shell) CreateCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("begin", readline.PcItem("ro")),
		readline.PcItem("use"),
		readline.PcItem("commit"),
		readline.PcItem("rollback"),
		readline.PcItem("keepalive"),
		readline.PcItem("elevate"),
		readline.PcItem("txn"),
		readline.PcItem("put"),
		readline.PcItem("delcol"),
		readline.PcItem("delrow"),
		readline.PcItem("get"),
		readline.PcItem("scan"),
		readline.PcItem("compact"),
		readline.PcItem("status"),
		readline.PcItem("headers", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func main() {
	opts := ParseArgs()
	shell := NewShell(NewClient(opts.Host, opts.Port), os.Stdout)

	if opts.Command != "" {
		if err := shell.Execute(opts.Command); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := shell.Run(); err != nil {
		log.Fatal(err)
	}
}
