package utils

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelOnSignal(t *testing.T) {
	signals := make(chan os.Signal, 1)
	ctx, stop := CancelOnSignal(context.Background(), signals)

	signals <- syscall.SIGTERM
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by signal")
	}
	assert.Equal(t, syscall.SIGTERM, stop())
}

func TestCancelOnSignalStopLeavesLaterSignals(t *testing.T) {
	signals := make(chan os.Signal, 1)
	ctx, stop := CancelOnSignal(context.Background(), signals)

	assert.Nil(t, stop())
	require.Error(t, ctx.Err())

	signals <- syscall.SIGINT
	assert.Len(t, signals, 1)
}
