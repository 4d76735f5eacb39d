// reuptimectl queries a running reuptimed.
//
// With a command on the command line it runs that command and exits.
// Otherwise it starts an interactive shell, or reads one command per line
// when stdin is not a terminal.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/client"
)

func main() {
	addr := flag.String("addr", config.DefaultQueryListen, "query server address")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: reuptimectl [flags] [command [args...]]\n\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\ncommands:\n%s", usage())
	}
	flag.Parse()

	c := client.New(&client.Config{
		Addr:           *addr,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: *timeout,
	})
	if err := c.Connect(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer c.Close()

	sh := newShell(c, os.Stdout)

	if flag.NArg() > 0 {
		if err := sh.execute(context.Background(), flag.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		os.Exit(runBatch(sh))
	}

	runInteractive(sh, *addr)
}

// runBatch executes one command per stdin line and returns the exit code.
func runBatch(sh *shell) int {
	code := 0
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := sh.execute(context.Background(), strings.Fields(line)); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", line, err)
			code = 1
		}
	}
	return code
}

func runInteractive(sh *shell, addr string) {
	sh.refreshHosts(context.Background())
	fmt.Printf("connected to %s, type help for commands\n", addr)

	p := prompt.New(
		func(line string) {
			args := strings.Fields(line)
			if len(args) == 0 || isExit(args[0]) {
				return
			}
			if err := sh.execute(context.Background(), args); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		},
		sh.complete,
		prompt.OptionPrefix("reuptime> "),
		prompt.OptionTitle("reuptimectl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(strings.TrimSpace(in))
		}),
	)
	p.Run()
}

func isExit(s string) bool {
	return s == "exit" || s == "quit"
}
