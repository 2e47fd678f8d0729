package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/NuGet/Insights-sub012/catalogscan"
)

var (
	HelpCursor  = errors.New("cursor <driver>")
	HelpStart   = errors.New("start <driver> [max, RFC 3339]")
	HelpAbort   = errors.New("abort <driver>")
	HelpDestroy = errors.New("destroy <driver>")
	HelpCopy    = errors.New("copy <source table> <destination table>")
	HelpUpdate  = errors.New("update [max, RFC 3339]")
	HelpWork    = errors.New("work [seconds]")
	HelpStatus  = errors.New("status [driver]")
)

func (repl *REPL) CommandHelp() {
	for _, h := range []error{HelpUpdate, HelpStart, HelpAbort, HelpDestroy, HelpStatus, HelpCursor, HelpCopy, HelpWork} {
		fmt.Println(h.Error())
	}
	fmt.Println("drivers")
	fmt.Println("exit")
}

func parseMax(args []string, i int) (time.Time, error) {
	if len(args) <= i {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, args[i])
}

func (repl *REPL) CommandDrivers() error {
	registry := repl.ins.Scans().Registry()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DRIVER\tDEPENDS ON\tLATEST ONLY\tDISABLED")
	for _, dt := range registry.Types() {
		md, err := registry.Metadata(dt)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s\t%v\t%v\t%v\n", dt, md.Dependencies, md.OnlyLatestLeaves, md.Disabled)
	}
	return w.Flush()
}

func (repl *REPL) CommandStatus(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return HelpStatus
	}
	status, err := repl.ins.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DRIVER\tCURSOR\tSCAN\tSTATE\tMIN\tMAX")
	for _, st := range status {
		if len(args) == 1 && string(st.Type) != args[0] {
			continue
		}
		scanID, state, minTs, maxTs := "-", "-", "-", "-"
		if st.Latest != nil {
			scanID = st.Latest.ScanID
			state = string(st.Latest.State)
			minTs = st.Latest.Min.Format(time.RFC3339)
			maxTs = st.Latest.Max.Format(time.RFC3339)
		}
		if st.Disabled {
			state += " (disabled)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", st.Type, st.Cursor.Format(time.RFC3339Nano), scanID, state, minTs, maxTs)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	counts, err := repl.ins.QueueCounts(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s: %d messages, %d in flight\n", name, counts[name], repl.ins.Pool().InFlight()[name])
	}
	return nil
}

func (repl *REPL) CommandCursor(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return HelpCursor
	}
	c, err := repl.ins.Scans().GetCursor(ctx, catalogscan.DriverType(args[0]))
	if err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", c.Name, c.Value.Format(time.RFC3339Nano))
	return nil
}

func printResult(dt catalogscan.DriverType, r *catalogscan.StartResult) {
	switch {
	case r.Scan != nil:
		fmt.Printf("%s: %s, scan %s [%s, %s]\n", dt, r.Type, r.Scan.ScanID,
			r.Scan.Min.Format(time.RFC3339Nano), r.Scan.Max.Format(time.RFC3339Nano))
	case r.Dependency != "":
		fmt.Printf("%s: %s on %s\n", dt, r.Type, r.Dependency)
	default:
		fmt.Printf("%s: %s\n", dt, r.Type)
	}
}

func (repl *REPL) CommandUpdate(ctx context.Context, args []string) error {
	maxTs, err := parseMax(args, 0)
	if err != nil {
		return HelpUpdate
	}
	results, err := repl.ins.Scans().UpdateAll(ctx, maxTs)
	for _, dt := range repl.ins.Scans().Registry().Types() {
		if r, ok := results[dt]; ok {
			printResult(dt, r)
		}
	}
	return err
}

func (repl *REPL) CommandStart(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return HelpStart
	}
	maxTs, err := parseMax(args, 1)
	if err != nil {
		return HelpStart
	}
	dt := catalogscan.DriverType(args[0])
	r, err := repl.ins.Scans().Start(ctx, dt, maxTs)
	if err != nil {
		return err
	}
	printResult(dt, r)
	return nil
}

func (repl *REPL) CommandAbort(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return HelpAbort
	}
	scan, err := repl.ins.Scans().Abort(ctx, catalogscan.DriverType(args[0]))
	if err != nil {
		return err
	}
	if scan == nil {
		fmt.Println("no scan in progress")
		return nil
	}
	fmt.Printf("aborted scan %s\n", scan.ScanID)
	return nil
}

func (repl *REPL) CommandDestroy(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return HelpDestroy
	}
	if err := repl.ins.Scans().Destroy(ctx, catalogscan.DriverType(args[0])); err != nil {
		return err
	}
	fmt.Printf("destroyed %s output, cursor reset\n", args[0])
	return nil
}

func (repl *REPL) CommandCopy(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return HelpCopy
	}
	n, err := repl.ins.Copies().Enqueue(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %d rows\n", n)
	return nil
}

// CommandWork works the queues in the foreground, until they are idle
// or for the given number of seconds.
func (repl *REPL) CommandWork(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return HelpWork
	}
	if len(args) == 0 {
		n, err := repl.ins.Pool().RunUntilIdle(ctx)
		fmt.Printf("processed %d messages\n", n)
		return err
	}
	seconds, err := strconv.Atoi(args[0])
	if err != nil || seconds <= 0 {
		return HelpWork
	}
	workCtx, cancel := context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
	defer cancel()
	return repl.ins.Pool().Run(workCtx)
}
