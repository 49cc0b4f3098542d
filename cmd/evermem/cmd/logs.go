package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/zhisenyang/EverMemOS-sub003/internal/logging"
)

// followInterval is how often --follow polls the log file.
const followInterval = 500 * time.Millisecond

type logsOptions struct {
	lines   int
	level   string
	filter  string
	file    string
	follow  bool
	rawJSON bool
}

func newLogsCmd() *cobra.Command {
	var opts logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View evermem logs",
		Long: `Show the last lines of the evermem log (~/.evermem/logs/evermem.log).

Examples:
  evermem logs                      # last 50 entries
  evermem logs -n 200 --level warn  # warnings and errors
  evermem logs --filter query_attempt_failed
  evermem logs -f                   # follow new entries`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.lines, "lines", "n", 50, "Number of entries to show")
	f.StringVar(&opts.level, "level", "", "Minimum level: debug, info, warn or error")
	f.StringVar(&opts.filter, "filter", "", "Only entries matching this regular expression")
	f.StringVar(&opts.file, "file", "", "Log file (default ~/.evermem/logs/evermem.log)")
	f.BoolVarP(&opts.follow, "follow", "f", false, "Keep printing new entries")
	f.BoolVar(&opts.rawJSON, "json", false, "Print entries as stored (JSON lines)")

	return cmd
}

// logFilter selects entries by level and pattern.
type logFilter struct {
	minLevel int
	pattern  *regexp.Regexp
}

var levelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

func newLogFilter(level, pattern string) (logFilter, error) {
	f := logFilter{}
	if level != "" {
		if !logging.ValidLevel(level) {
			return f, fmt.Errorf("unknown level %q", level)
		}
		f.minLevel = levelRank[strings.ToUpper(logging.ParseLevel(level).String())]
	}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return f, fmt.Errorf("invalid filter pattern: %w", err)
		}
		f.pattern = re
	}
	return f, nil
}

func (f logFilter) match(line string) bool {
	if f.minLevel > 0 {
		rank, ok := levelRank[gjson.Get(line, "level").String()]
		if ok && rank < f.minLevel {
			return false
		}
	}
	return f.pattern == nil || f.pattern.MatchString(line)
}

// formatEntry renders a slog JSON line as "time LEVEL msg key=value ...".
// Lines that are not JSON are returned unchanged.
func formatEntry(line string) string {
	if !gjson.Valid(line) {
		return line
	}
	entry := gjson.Parse(line)
	var sb strings.Builder
	if ts, err := time.Parse(time.RFC3339Nano, entry.Get("time").String()); err == nil {
		sb.WriteString(ts.Format("2006-01-02 15:04:05.000"))
		sb.WriteByte(' ')
	}
	fmt.Fprintf(&sb, "%-5s %s", entry.Get("level").String(), entry.Get("msg").String())

	var keys []string
	attrs := map[string]string{}
	entry.ForEach(func(k, v gjson.Result) bool {
		switch k.String() {
		case "time", "level", "msg":
		default:
			keys = append(keys, k.String())
			attrs[k.String()] = v.String()
		}
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		v := attrs[k]
		if strings.ContainsAny(v, " \t") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&sb, " %s=%s", k, v)
	}
	return sb.String()
}

// tailLines returns the last n lines of r accepted by keep.
func tailLines(r io.Reader, n int, keep func(string) bool) ([]string, error) {
	var ring []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || !keep(line) {
			continue
		}
		ring = append(ring, line)
		if n > 0 && len(ring) > n {
			ring = ring[1:]
		}
	}
	return ring, sc.Err()
}

func runLogs(ctx context.Context, stdout, stderr io.Writer, opts logsOptions) error {
	filter, err := newLogFilter(opts.level, opts.filter)
	if err != nil {
		return err
	}
	path, err := logging.FindLogFile(opts.file)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	render := formatEntry
	if opts.rawJSON {
		render = func(s string) string { return s }
	}

	_, _ = fmt.Fprintf(stderr, "Log file: %s\n---\n", path)
	lines, err := tailLines(f, opts.lines, filter.match)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(stdout, render(line))
	}
	if !opts.follow {
		return nil
	}
	return follow(ctx, f, stdout, filter, render)
}

// follow prints lines appended to f until ctx ends. A partial last line
// is held until its newline arrives.
func follow(ctx context.Context, f *os.File, w io.Writer, filter logFilter, render func(string) string) error {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	var partial string
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for {
			n, err := f.Read(buf)
			if n > 0 {
				chunk := partial + string(buf[:n])
				parts := strings.Split(chunk, "\n")
				partial = parts[len(parts)-1]
				for _, line := range parts[:len(parts)-1] {
					if line != "" && filter.match(line) {
						_, _ = fmt.Fprintln(w, render(line))
					}
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}
	}
}
