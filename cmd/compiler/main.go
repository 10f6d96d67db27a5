// Command compiler assembles a .su source file into a .out executable
// image, per spec §6. Grounded on main.go's flag-then-os.Args argument
// handling and its flat "print the error, exit" failure style.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"blitzvm/internal/asm"
	"blitzvm/internal/object"
)

var outPath = flag.String("o", "", "output path (default: <source>.out)")

func init() {
	flag.Parse()
}

func fileIncludeResolver(baseDir string) asm.IncludeResolver {
	return func(name string) (string, error) {
		b, err := os.ReadFile(filepath.Join(baseDir, name))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func main() {
	args := os.Args[len(os.Args)-flag.NArg():]
	if len(args) != 1 {
		fmt.Println("Usage: compiler [-o output] <source.su>")
		os.Exit(1)
	}

	srcPath := args[0]
	src, err := os.ReadFile(srcPath)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	unit, err := asm.Assemble(string(src), fileIncludeResolver(filepath.Dir(srcPath)))
	if err != nil {
		fmt.Println("assembly failed:", err)
		os.Exit(1)
	}

	image, _, _, err := object.Encode(unit)
	if err != nil {
		fmt.Println("encode failed:", err)
		os.Exit(1)
	}

	out := *outPath
	if out == "" {
		out = srcPath + ".out"
	}
	if err := os.WriteFile(out, image, 0o644); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
