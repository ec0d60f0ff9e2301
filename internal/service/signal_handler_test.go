// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// raiseUntil sends sig to the test process until errCh yields. The test
// keeps its own subscription to sig so that a signal arriving before the
// handler subscribes does not terminate the process.
func raiseUntil(t *testing.T, sig syscall.Signal, errCh <-chan error) error {
	t.Helper()
	guard := make(chan os.Signal, 16)
	signal.Notify(guard, sig)
	defer signal.Stop(guard)

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, syscall.Kill(os.Getpid(), sig))
		select {
		case err := <-errCh:
			return err
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no return after %s", sig)
			return nil
		}
	}
}

func TestSignalHandlerRun(t *testing.T) {
	t.Run("returns when context is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		sh := NewSignalHandler(syscall.SIGINT)

		errCh := make(chan error, 1)
		go func() {
			errCh <- sh.Run(ctx)
		}()
		cancel()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after context cancellation")
		}
	})

	t.Run("reports the received signal", func(t *testing.T) {
		sh := NewSignalHandler(syscall.SIGUSR1)
		assert.Equal(t, "signal-handler", sh.Name())

		errCh := make(chan error, 1)
		go func() {
			errCh <- sh.Run(context.Background())
		}()

		err := raiseUntil(t, syscall.SIGUSR1, errCh)
		assert.EqualError(t, err, "received signal user defined signal 1")
	})
}
