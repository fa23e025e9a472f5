package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

func newHandler(format string, level slog.Level, output io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "json":
		return slog.NewJSONHandler(output, opts)
	case "text":
		return slog.NewTextHandler(output, opts)
	case "color":
		if isTerminal(output) {
			return NewColorHandler(output, opts)
		}
		return slog.NewTextHandler(output, opts)
	default:
		// Color when attached to a terminal, plain text otherwise.
		if isTerminal(output) {
			return NewColorHandler(output, opts)
		}
		return slog.NewTextHandler(output, opts)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ColorHandler renders records as single lines with ANSI-colored level
// names.
type ColorHandler struct {
	inner  slog.Handler
	output io.Writer
	opts   *slog.HandlerOptions
}

// NewColorHandler creates a ColorHandler writing to output.
func NewColorHandler(output io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ColorHandler{
		inner:  slog.NewTextHandler(output, opts),
		output: output,
		opts:   opts,
	}
}

func (h *ColorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ColorHandler) Handle(ctx context.Context, r slog.Record) error {
	line := fmt.Sprintf("time=%s level=%s msg=%q",
		r.Time.Format("15:04:05.000"), colorizeLevel(r.Level), r.Message)
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	_, err := fmt.Fprintln(h.output, line)
	return err
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorHandler{inner: h.inner.WithAttrs(attrs), output: h.output, opts: h.opts}
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	return &ColorHandler{inner: h.inner.WithGroup(name), output: h.output, opts: h.opts}
}

func colorizeLevel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return color.RedString("ERROR")
	case level >= slog.LevelWarn:
		return color.YellowString("WARN")
	case level >= slog.LevelInfo:
		return color.GreenString("INFO")
	default:
		return color.CyanString("DEBUG")
	}
}
