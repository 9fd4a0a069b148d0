package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kdsync/kdsync/pkg/history"
	"github.com/kdsync/kdsync/pkg/monitor"
	"github.com/kdsync/kdsync/pkg/predict"
	"github.com/kdsync/kdsync/pkg/state"
)

// runCommandLoop reads operator commands until quit. It only reads the
// history and mutates the breakpoint registry; live tracking stays owned
// by the monitor goroutine.
func runCommandLoop(mon *monitor.Monitor, hist *history.Log, pred *predict.Predictor, liveBreakpoints func() []state.DebuggerBreakpoint, stop func()) {
	reader := bufio.NewReader(os.Stdin)
	printHelp()

	for {
		fmt.Print("(kdsync) ")
		input, err := reader.ReadString('\n')
		if err != nil {
			stop()
			return
		}
		fields := strings.Fields(strings.TrimSpace(input))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "q", "quit", "exit":
			stop()
			return
		case "h", "help":
			printHelp()
		case "b", "break":
			withAddr(fields, func(addr uint64) {
				hist.Breakpoints().Set(addr)
				fmt.Printf("breakpoint set at %#x\n", addr)
				if live, err := mon.Translator().ToLive(addr); err == nil {
					fmt.Printf("live debugger command: bp %x`%x\n", live>>32, live&0xffffffff)
				}
			})
		case "clear":
			withAddr(fields, func(addr uint64) {
				if err := hist.Breakpoints().Clear(addr); err != nil {
					fmt.Println(err)
				}
			})
		case "disable":
			withAddr(fields, func(addr uint64) {
				if err := hist.Breakpoints().Disable(addr); err != nil {
					fmt.Println(err)
				}
			})
		case "bl", "breakpoints":
			for _, rec := range hist.Breakpoints().List() {
				status := "enabled"
				if !rec.Enabled {
					status = "disabled"
				}
				fmt.Printf("%#x  %s  hits=%d\n", rec.Addr, status, rec.HitCount)
			}
		case "live":
			bps := liveBreakpoints()
			if len(bps) == 0 {
				fmt.Println("no live breakpoint dump yet")
				continue
			}
			for _, bp := range bps {
				status := "enabled"
				if !bp.Enabled {
					status = "disabled"
				}
				line := fmt.Sprintf("%s  %#x  %s", bp.ID, bp.Addr, status)
				if addr, err := mon.Translator().ToAnalysis(bp.Addr); err == nil {
					line += fmt.Sprintf("  (analysis %#x)", addr)
				}
				if bp.Description != "" {
					line += "  " + bp.Description
				}
				fmt.Println(line)
			}
		case "hist", "history":
			printHistory(hist)
		case "at":
			if len(fields) < 2 {
				fmt.Println("usage: at <index>")
				continue
			}
			idx, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("bad index:", fields[1])
				continue
			}
			entry, err := hist.At(idx)
			if err != nil {
				fmt.Println(err)
				continue
			}
			printEntry(entry)
		case "regs":
			entry := hist.Current()
			if entry == nil {
				fmt.Println("no snapshot yet")
				continue
			}
			printEntry(entry)
		case "acc", "accuracy":
			fmt.Println(pred.Accuracy.String())
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  break <addr>    set breakpoint (analysis coordinates, hex)
  clear <addr>    remove breakpoint
  disable <addr>  disable breakpoint
  breakpoints     list breakpoints
  live            show the live debugger's own breakpoint dump
  history         list retained snapshots, newest first
  at <index>      show one history entry
  regs            show the current entry's registers and stack
  accuracy        prediction accuracy so far
  quit            stop monitoring and exit`)
}

func withAddr(fields []string, fn func(uint64)) {
	if len(fields) < 2 {
		fmt.Println("usage:", fields[0], "<hex address>")
		return
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(fields[1]), "0x"), 16, 64)
	if err != nil {
		fmt.Println("bad address:", fields[1])
		return
	}
	fn(addr)
}

func printHistory(hist *history.Log) {
	current := hist.Current()
	if current == nil {
		fmt.Println("no snapshots yet")
		return
	}
	// Walk back from the newest retained entry.
	for idx := current.Index; ; idx-- {
		entry, err := hist.At(idx)
		if err != nil {
			return
		}
		text := ""
		if entry.Effect != nil {
			text = entry.Effect.Text
		}
		fmt.Printf("[%3d] %s seq=%d pc=%#x  %s\n",
			entry.Index, entry.When.Format("15:04:05"), entry.Seq, entry.PC, text)
	}
}

func printEntry(entry *history.Entry) {
	fmt.Printf("entry %d: seq=%d pc=%#x (live %#x)\n", entry.Index, entry.Seq, entry.PC, entry.PCRaw)
	names := make([]string, 0, len(entry.Registers))
	for name := range entry.Registers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-4s %016x\n", name, entry.Registers[name])
	}
	for i, f := range entry.Stack {
		fmt.Printf("  #%02d ret=%#x sp=%#x %s\n", i, f.RetAddr, f.FramePtr, f.Symbol)
	}
}
