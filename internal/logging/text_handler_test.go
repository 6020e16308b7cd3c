package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTextHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTextHandler(&buf, nil))

	logger.Info("context opened", "id", "7f3c", "matchers", 2, "indexed", true)

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Contains(t, line, " [INFO] context opened id=7f3c matchers=2 indexed=true")

	ts := strings.SplitN(line, " ", 2)[0]
	_, err := time.Parse("2006-01-02T15:04:05.000Z07:00", ts)
	assert.NoError(t, err)
}

func TestTextHandler_Values(t *testing.T) {
	tests := []struct {
		name string
		attr slog.Attr
		want string
	}{
		{"plain string", slog.String("k", "v"), " k=v"},
		{"spaces quoted", slog.String("k", "a b"), ` k="a b"`},
		{"empty quoted", slog.String("k", ""), ` k=""`},
		{"newline escaped", slog.String("k", "a\nb"), ` k="a\nb"`},
		{"float", slog.Float64("k", 1.5), " k=1.5"},
		{"duration", slog.Duration("k", 2*time.Second), " k=2s"},
		{"error", slog.Any("err", errors.New("not found")), ` err="not found"`},
		{"group", slog.Group("req", "path", "/v1", "n", 3), " req.path=/v1 req.n=3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			slog.New(NewTextHandler(&buf, nil)).Info("m", tt.attr)
			assert.Equal(t, " [INFO] m"+tt.want, strings.TrimSpace(buf.String())[len("2006-01-02T15:04:05.000Z"):])
		})
	}
}

func TestTextHandler_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	logger.Info("dropped")
	logger.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "[WARN] kept")
}

func TestTextHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewTextHandler(&buf, nil))

	base.With("component", "gateway").WithGroup("http").Info("request", "status", 200)
	base.Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "request component=gateway http.status=200")
	assert.True(t, strings.HasSuffix(lines[1], "] plain"))
}
