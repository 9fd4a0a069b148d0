package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/kdsync/kdsync/pkg/history"
)

// console is the stand-in analysis boundary: it reports the configured
// image base and renders navigation to stdout instead of moving a real
// disassembly cursor.
type console struct {
	program   string
	imageBase uint64
	navColor  *color.Color
	hitColor  *color.Color
}

func newConsole(program string, imageBase uint64) *console {
	return &console{
		program:   program,
		imageBase: imageBase,
		navColor:  color.New(color.FgHiBlue),
		hitColor:  color.New(color.FgHiRed, color.Bold),
	}
}

func (c *console) ProgramName() string { return c.program }

func (c *console) CurrentLoadedImageBase() uint64 { return c.imageBase }

func (c *console) OnSnapshotReady(entry *history.Entry) {
	line := fmt.Sprintf("[%d] pc=%#x", entry.Seq, entry.PC)
	if entry.Effect != nil && !entry.Effect.DecodeFailed {
		line += "  " + entry.Effect.Text
	}
	c.navColor.Println(line)
	for _, addr := range entry.Hits {
		c.hitColor.Printf("breakpoint hit at %#x\n", addr)
	}
}
