package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/transomlabs/transom/guest"
	"github.com/transomlabs/transom/jsguest"
)

func main() {
	if err := guest.Main(run); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, rt *guest.Runtime) error {
	path := scriptPath()
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	vm, err := jsguest.New(rt)
	if err != nil {
		return err
	}
	defer vm.Close()

	if _, err := vm.Run(ctx, filepath.Base(path), string(src)); err != nil {
		return err
	}

	// The script has set up its watchers and functions; stay alive for
	// callbacks until the host disconnects or the process is signaled.
	<-ctx.Done()
	return nil
}

func scriptPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if env := os.Getenv("TRANSOM_SCRIPT"); env != "" {
		return env
	}
	return "main.js"
}
