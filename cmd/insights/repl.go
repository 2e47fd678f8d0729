package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	insights "github.com/NuGet/Insights-sub012"
	"github.com/ergochat/readline"
)

// REPL is the operator console of a host.
type REPL struct {
	ins   *insights.Insights
	rl    *readline.Instance
	close sync.Once
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("drivers"),
	readline.PcItem("status"),
	readline.PcItem("cursor"),

	readline.PcItem("update"),
	readline.PcItem("start"),
	readline.PcItem("abort"),
	readline.PcItem("destroy"),
	readline.PcItem("copy"),
	readline.PcItem("work"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "insights> ",
		HistoryFile:     ".insights_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	return
}

// Close may be called from another goroutine to unblock Readline.
func (repl *REPL) Close() {
	repl.close.Do(func() {
		if repl.rl != nil {
			_ = repl.rl.Close()
		}
	})
}

// REPL reads and runs one command. It returns io.EOF on exit.
func (repl *REPL) REPL(ctx context.Context) error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return io.EOF
	}
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		repl.CommandHelp()
	case "drivers":
		return repl.CommandDrivers()
	case "status":
		return repl.CommandStatus(ctx, args)
	case "cursor":
		return repl.CommandCursor(ctx, args)
	case "update":
		return repl.CommandUpdate(ctx, args)
	case "start":
		return repl.CommandStart(ctx, args)
	case "abort":
		return repl.CommandAbort(ctx, args)
	case "destroy":
		return repl.CommandDestroy(ctx, args)
	case "copy":
		return repl.CommandCopy(ctx, args)
	case "work":
		return repl.CommandWork(ctx, args)
	case "exit", "quit":
		return io.EOF
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return nil
}
