// Command peval evaluates a base model with a PEFT adapter over a JSONL test
// set and writes the predictions.
//
//	peval [flags] [overrides...]
//	peval show-config [overrides...]
//
// Overrides use dotted keys: key=value sets an existing key, +key=value adds
// a new one and ~key removes one.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, o := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		reportError(o, os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// reportError logs a fatal error with the logger the flags configured.
func reportError(o *options, w io.Writer, err error) {
	log := o.logger(w)
	log.Error().Err(err).Msg("peval failed")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
