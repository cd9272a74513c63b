package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextHandler_ProviderStateIsLive(t *testing.T) {
	var buf bytes.Buffer
	status := "Ready"
	logger := slog.New(NewContextHandler(slog.NewTextHandler(&buf, nil), func() []slog.Attr {
		return []slog.Attr{slog.String("screenStatus", status)}
	}))

	logger.Info("first")
	status = "Syncing"
	logger.Info("second")

	assert.Contains(t, buf.String(), "msg=first screenStatus=Ready")
	assert.Contains(t, buf.String(), "msg=second screenStatus=Syncing")
}

func TestContextHandler_ContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewTextHandler(&buf, nil), nil))

	ctx := AppendAttrs(context.Background(), slog.Uint64("syncPass", 3))
	ctx = AppendAttrs(ctx, slog.String("overlay", "orchard"))
	logger.InfoContext(ctx, "downloaded")
	logger.Info("no context")

	out := buf.String()
	assert.Contains(t, out, "msg=downloaded syncPass=3 overlay=orchard")
	assert.Contains(t, out, "msg=\"no context\"\n")
}

func TestAppendAttrs_DoesNotLeakToParent(t *testing.T) {
	parent := AppendAttrs(context.Background(), slog.Uint64("syncPass", 1))
	child := AppendAttrs(parent, slog.String("overlay", "a"))
	_ = AppendAttrs(parent, slog.String("overlay", "b"))

	assert.Len(t, AttrsFrom(parent), 1)
	assert.Equal(t, []slog.Attr{slog.Uint64("syncPass", 1), slog.String("overlay", "a")}, AttrsFrom(child))
	assert.Same(t, parent, AppendAttrs(parent))
	assert.Nil(t, AttrsFrom(context.Background()))
}

func TestContextHandler_GroupsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewTextHandler(&buf, nil), nil)).With("k", "v").WithGroup("g")
	logger.Info("plain", "x", 1)
	assert.Contains(t, buf.String(), "k=v g.x=1")
}
