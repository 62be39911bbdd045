package main

import (
	"fmt"
	"os"
)

// BuildDate can be set at build time via ldflags
var (
	CurrentVersion = "0.1.0"
	BuildDate      = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
