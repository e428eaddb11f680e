// Package monitor configures process-wide logging. It installs a slog
// handler that renders `[time] [LEVEL] message key=value` lines, with an
// optional run id pulled from the context so the lines of one pipeline run
// group together.
package monitor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// RunIDContextKey carries the short run id attached to every log line of a
// single CLI invocation.
const RunIDContextKey ctxKey = "run_id"

// WithRunID returns a context whose log lines carry the given run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDContextKey, runID)
}

// LineHandler implements slog.Handler with the [TIME] [LEVEL] format.
type LineHandler struct {
	w     io.Writer
	opts  slog.HandlerOptions
	attrs []slog.Attr
}

// NewLineHandler builds a LineHandler writing to w.
func NewLineHandler(w io.Writer, opts slog.HandlerOptions) *LineHandler {
	return &LineHandler{w: w, opts: opts}
}

func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *LineHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := bytes.NewBuffer(nil)

	runID := ""
	if ctx != nil {
		if v, ok := ctx.Value(RunIDContextKey).(string); ok {
			runID = v
		}
	}

	fmt.Fprintf(buf, "[%s] [%s]", r.Time.Format("2006-01-02 15:04:05"), r.Level)
	if runID != "" {
		fmt.Fprintf(buf, " [%s]", runID)
	}
	fmt.Fprintf(buf, " %s", r.Message)

	for _, a := range h.attrs {
		h.appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(buf, a)
		return true
	})

	buf.WriteString("\n")
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *LineHandler) appendAttr(buf *bytes.Buffer, a slog.Attr) {
	buf.WriteString(" ")
	buf.WriteString(a.Key)
	buf.WriteString("=")

	val := a.Value.Resolve()
	switch val.Kind() {
	case slog.KindString:
		fmt.Fprintf(buf, "%q", val.String())
	case slog.KindTime:
		buf.WriteString(val.Time().Format(time.RFC3339))
	default:
		fmt.Fprintf(buf, "%v", val.Any())
	}
}

func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LineHandler{
		w:     h.w,
		opts:  h.opts,
		attrs: append(h.attrs, attrs...),
	}
}

func (h *LineHandler) WithGroup(string) slog.Handler {
	// Grouping not needed for line output.
	return h
}

// Setup installs the global slog logger at the given level
// ("debug", "info", "warn", "error"; default info).
func Setup(levelStr string) {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := NewLineHandler(os.Stderr, slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
