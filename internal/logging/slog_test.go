package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func newBufLogger() (*SlogLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewSlogLogger(slog.New(h)), &buf
}

func TestSlogLogger_Levels(t *testing.T) {
	log, buf := newBufLogger()
	ctx := context.Background()

	log.Debug(ctx, "d", "k", "v")
	log.Info(ctx, "i")
	log.Warn(ctx, "w")
	log.Error(ctx, "e")

	out := buf.String()
	for _, want := range []string{"level=DEBUG", "level=INFO", "level=WARN", "level=ERROR"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestNewJSONLogger_LevelFilterAndFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, slog.LevelInfo)
	ctx := context.Background()

	log.Debug(ctx, "quiet")
	log.Info(ctx, "loud", "k", "v")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("debug record should be filtered out, got: %s", out)
	}
	if !strings.Contains(out, `"msg":"loud"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("expected JSON record with attrs, got: %s", out)
	}
}

func TestSlogLogger_WithAddsFields(t *testing.T) {
	log, buf := newBufLogger()
	child := log.With("component", "blobstore")
	child.Info(context.Background(), "hello")

	if !strings.Contains(buf.String(), "component=blobstore") {
		t.Errorf("expected With field in output, got: %s", buf.String())
	}
}
