package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	prompt "github.com/c-bata/go-prompt"

	"github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/client"
	"github.com/xtxerr/reuptime/internal/query"
)

type command struct {
	name  string
	args  string
	help  string
	run   func(ctx context.Context, sh *shell, args []string) error
	hosts bool // first argument is a stream id
}

var commands = []command{
	{name: "hosts", help: "list monitored hosts", run: cmdHosts},
	{name: "last", args: "<stream>", help: "latest values of a stream", run: cmdLast, hosts: true},
	{name: "fetch", args: "<stream> [window] [resolution]", help: "history of a stream, e.g. fetch <id> 6h 5m", run: cmdFetch, hosts: true},
	{name: "aggregate", args: "[window] [resolution]", help: "fleet history", run: cmdAggregate},
	{name: "help", help: "show this help"},
	{name: "exit", help: "leave the shell"},
}

func usage() string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s %s\t%s\n", c.name, c.args, c.help)
	}
	tw.Flush()
	return b.String()
}

// shell executes commands against one client.
type shell struct {
	c   *client.Client
	out io.Writer

	// hostIDs feed stream completion.
	hostIDs []prompt.Suggest
}

func newShell(c *client.Client, out io.Writer) *shell {
	return &shell{c: c, out: out}
}

func (sh *shell) execute(ctx context.Context, args []string) error {
	if args[0] == "help" {
		_, err := io.WriteString(sh.out, usage())
		return err
	}
	for _, c := range commands {
		if c.name == args[0] && c.run != nil {
			return c.run(ctx, sh, args[1:])
		}
	}
	return fmt.Errorf("unknown command %q, try help", args[0])
}

func (sh *shell) refreshHosts(ctx context.Context) {
	hosts, err := sh.c.Hosts(ctx)
	if err != nil {
		return
	}
	sh.hostIDs = sh.hostIDs[:0]
	sh.hostIDs = append(sh.hostIDs, prompt.Suggest{Text: config.AggregateStreamID, Description: "fleet aggregate"})
	for _, h := range hosts {
		sh.hostIDs = append(sh.hostIDs, prompt.Suggest{Text: h.ID, Description: h.Name + " " + h.Address})
	}
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	words := strings.Fields(d.TextBeforeCursor())
	word := d.GetWordBeforeCursor()
	if len(words) == 0 || (len(words) == 1 && word != "") {
		s := make([]prompt.Suggest, 0, len(commands))
		for _, c := range commands {
			s = append(s, prompt.Suggest{Text: c.name, Description: c.help})
		}
		return prompt.FilterHasPrefix(s, word, true)
	}

	// Second word of a stream command.
	if len(words) == 1 || (len(words) == 2 && word != "") {
		for _, c := range commands {
			if c.name == words[0] && c.hosts {
				return prompt.FilterHasPrefix(sh.hostIDs, word, true)
			}
		}
	}
	return nil
}

// =============================================================================
// Commands
// =============================================================================

func cmdHosts(ctx context.Context, sh *shell, _ []string) error {
	hosts, err := sh.c.Hosts(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tSTATE\tALLOTMENT\tLAST CHECK")
	for _, h := range hosts {
		state := "down"
		if h.IsActive {
			state = "up"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			h.ID, h.Name, h.Address, state, h.Allotment, formatTime(h.LastCheck))
	}
	return tw.Flush()
}

func cmdLast(ctx context.Context, sh *shell, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: last <stream>")
	}
	last, err := sh.c.Last(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(sh.out, "%s at %s\n", last.Stream, formatTime(last.Timestamp))
	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	for _, name := range slices.Sorted(maps.Keys(last.Values)) {
		fmt.Fprintf(tw, "  %s\t%s\n", name, formatValue(last.Values[name]))
	}
	return tw.Flush()
}

func cmdFetch(ctx context.Context, sh *shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: fetch <stream> [window] [resolution]")
	}
	w, err := parseWindow(args[1:])
	if err != nil {
		return err
	}
	series, err := sh.c.Fetch(ctx, args[0], w)
	if err != nil {
		return err
	}
	return printSeries(sh.out, series)
}

func cmdAggregate(ctx context.Context, sh *shell, args []string) error {
	w, err := parseWindow(args)
	if err != nil {
		return err
	}
	series, err := sh.c.Aggregate(ctx, w)
	if err != nil {
		return err
	}
	return printSeries(sh.out, series)
}

// =============================================================================
// Formatting
// =============================================================================

// parseWindow reads an optional window length and resolution, both Go
// durations or plain seconds.
func parseWindow(args []string) (client.Window, error) {
	var w client.Window
	if len(args) > 2 {
		return w, fmt.Errorf("too many arguments")
	}
	if len(args) > 0 {
		d, err := parseDuration(args[0])
		if err != nil {
			return w, fmt.Errorf("window: %w", err)
		}
		w.End = time.Now()
		w.Start = w.End.Add(-d)
	}
	if len(args) > 1 {
		d, err := parseDuration(args[1])
		if err != nil {
			return w, fmt.Errorf("resolution: %w", err)
		}
		w.Resolution = d
	}
	return w, nil
}

func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func printSeries(out io.Writer, s query.Series) error {
	fmt.Fprintf(out, "%s step=%ds %s .. %s\n", s.Stream, s.Step,
		formatTime(time.Unix(s.Start, 0)), formatTime(time.Unix(s.End, 0)))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(tw, "TIME\t")
	for _, n := range s.Names {
		fmt.Fprintf(tw, "%s\t", n)
	}
	fmt.Fprintln(tw)
	for _, p := range s.Points {
		fmt.Fprintf(tw, "%s\t", time.Unix(p.Timestamp, 0).Format(time.DateTime))
		for _, v := range p.Values {
			fmt.Fprintf(tw, "%s\t", formatValue(v))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() || t.Unix() == 0 {
		return "never"
	}
	return t.Format(time.DateTime)
}
