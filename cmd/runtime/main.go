// Command runtime loads a .out executable image and runs it to
// completion, per spec §6. Grounded on main.go's init-time flag.Parse,
// its recover-based fatal handler around the dispatch loop, and its
// single-step debug mode, generalized to the register machine.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"

	"blitzvm/internal/cpu"
	"blitzvm/internal/memory"
	"blitzvm/internal/object"
)

var (
	debug   = flag.Bool("debug", false, "print CPU state after every instruction")
	breakPC = flag.Uint64("break", 0, "dump state, without pausing, when pc reaches this address (0 disables)")
)

func init() {
	flag.Parse()
}

func main() {
	args := os.Args[len(os.Args)-flag.NArg():]
	if len(args) != 1 {
		fmt.Println("Usage: runtime [-debug] [-break addr] <image.out>")
		os.Exit(1)
	}

	image, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	header, code, data, err := object.DecodeHeader(image)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	mem := memory.NewImage()
	if err := mem.LoadImage(code, data); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	c := cpu.New(mem)
	if err := c.Init(cpu.Header{
		Magic:      header.Magic,
		Major:      header.Major,
		Minor:      header.Minor,
		StartPC:    header.StartPC,
		DataOffset: header.DataOffset,
	}); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	for !c.Terminated {
		if *breakPC != 0 && c.PC() == *breakPC {
			fmt.Fprintln(os.Stderr, "-- breakpoint hit --")
			spew.Fdump(os.Stderr, c)
		}
		if err := c.Step(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		if *debug {
			spew.Fdump(os.Stderr, c)
		}
	}
}
