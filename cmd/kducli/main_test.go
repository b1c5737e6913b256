package main

import (
	"context"
	"os"
	"os/signal"
	"testing"
	"time"
)

func TestOpenRequiresTarget(t *testing.T) {
	opts := commonOptions{Timeout: 1}
	if _, _, _, err := opts.open(); err == nil {
		t.Error("expected error without --address or --config")
	}
}

func TestOperationContextScoping(t *testing.T) {
	opts := commonOptions{Timeout: 30}

	// The base context handed to commands is the signal context, same as
	// open() builds it. It stays unbounded so the watch loop can run
	// until interrupted instead of dying after --timeout.
	base, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if _, ok := base.Deadline(); ok {
		t.Error("base context must not carry a deadline")
	}

	// Individual operations are bounded by --timeout.
	opCtx, cancel := opts.opCtx(base)
	defer cancel()
	deadline, ok := opCtx.Deadline()
	if !ok {
		t.Fatal("operation context has no deadline")
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > 30*time.Second {
		t.Errorf("operation deadline %v away, want within (0, 30s]", remaining)
	}
}
