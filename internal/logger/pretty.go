package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// hashWidth is how many hex digits of a kernel hash the pretty output keeps.
const hashWidth = 12

// PrettyHandler writes one human-readable line per record:
//
//	[15:04:05] INFO  program compiled program=layernorm cores=12 compiled=3
//
// Attributes named address or addr print as hex L1/DRAM addresses and hash
// attributes are shortened. Colors are only emitted when the writer is a
// terminal.
type PrettyHandler struct {
	level  slog.Leveler
	out    *prettyOutput
	prefix string
	attrs  []slog.Attr
}

// prettyOutput is shared by a handler and every handler derived from it so
// that lines from With/WithGroup children never interleave.
type prettyOutput struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// NewPrettyHandler creates a PrettyHandler. A nil opts logs at info.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &PrettyHandler{
		level: level,
		out:   &prettyOutput{w: w, color: isTerminal(w)},
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	p := printer{buf: make([]byte, 0, 256), color: h.out.color}

	p.paint(ansiGray, "["+r.Time.Format(time.TimeOnly)+"]")
	p.buf = append(p.buf, ' ')
	p.paint(ansiBold+levelColor(r.Level), fmt.Sprintf("%-5s", r.Level.String()))
	p.buf = append(p.buf, ' ')
	p.buf = append(p.buf, r.Message...)

	for _, a := range h.attrs {
		p.attr(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		p.attr(a, h.prefix)
		return true
	})
	p.buf = append(p.buf, '\n')

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	_, err := h.out.w.Write(p.buf)
	return err
}

// WithAttrs pre-qualifies attrs with the current group so later groups do
// not rename them.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(next.attrs, h.attrs)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

type printer struct {
	buf   []byte
	color bool
}

func (p *printer) paint(color, s string) {
	if p.color {
		p.buf = append(p.buf, color...)
		p.buf = append(p.buf, s...)
		p.buf = append(p.buf, ansiReset...)
		return
	}
	p.buf = append(p.buf, s...)
}

func (p *printer) attr(a slog.Attr, prefix string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		inner := a.Value.Group()
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, g := range inner {
			p.attr(g, prefix)
		}
		return
	}
	p.buf = append(p.buf, ' ')
	p.paint(ansiCyan, prefix+a.Key+"=")
	p.buf = append(p.buf, formatValue(a.Key, a.Value)...)
}

func formatValue(key string, v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if key == "hash" && len(s) > hashWidth {
			s = s[:hashWidth]
		}
		if needsQuoting(s) {
			return fmt.Sprintf("%q", s)
		}
		return s
	case slog.KindUint64:
		if key == "address" || key == "addr" {
			return fmt.Sprintf("%#08x", v.Uint64())
		}
		return fmt.Sprint(v.Uint64())
	case slog.KindInt64:
		if key == "address" || key == "addr" {
			return fmt.Sprintf("%#08x", v.Int64())
		}
		return fmt.Sprint(v.Int64())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		s := fmt.Sprint(v.Any())
		if key == "hash" && len(s) > hashWidth {
			s = s[:hashWidth]
		}
		return s
	}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level >= slog.LevelInfo:
		return ansiBlue
	default:
		return ansiGray
	}
}

func needsQuoting(s string) bool {
	return strings.ContainsAny(s, " \t\n\"")
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0 && os.Getenv("NO_COLOR") == ""
}
