package main

import (
	"context"
	"fmt"
	"os"

	"github.com/isdmx/codemode/sandbox"
)

func main() {
	// A worker started with the environment marker skips flag parsing.
	if sandbox.IsWorkerProcess() {
		if err := sandbox.RunWorker(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
