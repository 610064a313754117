package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

func main() {
	// Initialize context that cancelled on SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, os.Getenv, os.Getwd, os.Args[1:], streams{in: os.Stdin, out: os.Stdout, err: os.Stderr})
	cancel()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// run loads config (yaml file, .env, environment, then flags) and executes command
func run(ctx context.Context, getenv func(string) string, getwd func() (string, error), args []string, s streams) error {
	c := NewConfig()

	path, required := getenv("MIXCORE_CONFIG"), true
	if path == "" {
		wd, err := getwd()
		if err != nil {
			return err
		}
		path, required = filepath.Join(wd, defaultConfigFile), false
	}
	if err := c.LoadFile(path, required); err != nil {
		return fmt.Errorf("error while loading config file. Err: %w", err)
	}

	if err := c.LoadDotEnv(getwd); err != nil {
		return fmt.Errorf("error while loading .env. Err: %w", err)
	}
	if err := c.LoadEnv(getenv); err != nil {
		return err
	}

	if s.in == nil {
		s.in = os.Stdin
	}
	if s.out == nil {
		s.out = io.Discard
	}
	if s.err == nil {
		s.err = io.Discard
	}

	root := newRootCmd(c, s)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
