package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type failingHandler struct{ slog.Handler }

func (failingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (failingHandler) Handle(context.Context, slog.Record) error {
	return errors.New("sink down")
}

func TestMultiHandler_FansOut(t *testing.T) {
	var debug, warn bytes.Buffer
	h := NewMultiHandler(
		NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h).With("component", "contextdb")

	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, NewMultiHandler().Enabled(context.Background(), slog.LevelError))

	logger.Debug("replay")
	logger.Warn("slow reindex")

	assert.Contains(t, debug.String(), "replay component=contextdb")
	assert.Contains(t, debug.String(), "slow reindex")
	assert.NotContains(t, warn.String(), "replay")
	assert.Contains(t, warn.String(), "slow reindex component=contextdb")
}

func TestMultiHandler_Error(t *testing.T) {
	var buf bytes.Buffer
	h := NewMultiHandler(failingHandler{}, NewTextHandler(&buf, nil))

	err := h.Handle(context.Background(), slog.NewRecord(testTime, slog.LevelInfo, "m", 0))
	assert.EqualError(t, err, "sink down")
	assert.Empty(t, buf.String())
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	h := NewLevelFilter(NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}), slog.LevelWarn)

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))

	// Handle filters even when called directly.
	assert.NoError(t, h.Handle(context.Background(), slog.NewRecord(testTime, slog.LevelInfo, "quiet", 0)))
	logger := slog.New(h).WithGroup("g").With("k", "v")
	logger.Error("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "[ERROR] loud g.k=v")
}
