package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// ANSI escape codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

type LogEntry struct {
	Time    time.Time  `json:"time"`
	Level   slog.Level `json:"level"`
	Message string     `json:"message"`
}

// Logger keeps the most recent log entries in memory for the dashboard,
// mirrors them to stderr and fans them out to live subscribers. Use Slog
// to log through it.
type Logger struct {
	mu      sync.Mutex
	entries []LogEntry
	maxSize int
	color   bool
	out     io.Writer
	level   slog.Leveler

	// Subscribers for real-time log streaming
	subMu sync.Mutex
	subs  map[chan LogEntry]struct{}
}

func NewLogger(maxSize int, level slog.Leveler) *Logger {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Logger{
		entries: make([]LogEntry, 0, maxSize),
		maxSize: maxSize,
		out:     os.Stderr,
		level:   level,
		subs:    make(map[chan LogEntry]struct{}),
		color:   isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()),
	}
}

// Slog returns a structured logger writing through l.
func (l *Logger) Slog() *slog.Logger {
	return slog.New(&logHandler{core: l})
}

func (l *Logger) enabled(level slog.Level) bool {
	threshold := slog.LevelInfo
	if l.level != nil {
		threshold = l.level.Level()
	}
	return level >= threshold
}

func (l *Logger) write(entry LogEntry) {
	// Store in ring buffer
	l.mu.Lock()
	if len(l.entries) >= l.maxSize {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, entry)

	if l.color {
		ts := ansiGray + entry.Time.Format("15:04:05") + ansiReset
		var msg string
		switch {
		case entry.Level >= slog.LevelError:
			msg = ansiBold + ansiRed + entry.Message + ansiReset
		case entry.Level >= slog.LevelWarn:
			msg = ansiYellow + entry.Message + ansiReset
		case entry.Level < slog.LevelInfo:
			msg = ansiDim + entry.Message + ansiReset
		default:
			msg = entry.Message
		}
		fmt.Fprintf(l.out, "%s %s\n", ts, msg)
	} else {
		fmt.Fprintf(l.out, "%s %s %s\n", entry.Time.Format("15:04:05"), entry.Level.String(), entry.Message)
	}
	l.mu.Unlock()

	// Notify subscribers (non-blocking)
	l.subMu.Lock()
	for ch := range l.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	l.subMu.Unlock()
}

// --- TUI methods (stderr only, not ring buffer/web dashboard) ---

// Header prints a bold cyan header line.
func (l *Logger) Header(format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.color {
		fmt.Fprintf(l.out, "\n%s%s%s\n\n", ansiBold+ansiCyan, text, ansiReset)
	} else {
		fmt.Fprintf(l.out, "\n%s\n\n", text)
	}
}

// Status prints a dim gray status line.
func (l *Logger) Status(format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.color {
		fmt.Fprintf(l.out, "%s  %s%s\n", ansiDim, text, ansiReset)
	} else {
		fmt.Fprintf(l.out, "  %s\n", text)
	}
}

// Entries returns a copy of all stored log entries.
func (l *Logger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]LogEntry, len(l.entries))
	copy(cp, l.entries)
	return cp
}

// Subscribe returns a channel that receives new log entries in real time.
func (l *Logger) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 64)
	l.subMu.Lock()
	l.subs[ch] = struct{}{}
	l.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel.
func (l *Logger) Unsubscribe(ch chan LogEntry) {
	l.subMu.Lock()
	delete(l.subs, ch)
	l.subMu.Unlock()
	close(ch)
}

// logHandler adapts Logger to slog. Attributes are rendered as key=value
// pairs after the message.
type logHandler struct {
	core   *Logger
	attrs  string
	prefix string
}

func (h *logHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.core.enabled(level)
}

func (h *logHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	h.core.write(LogEntry{Time: t, Level: r.Level, Message: b.String()})
	return nil
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	return &logHandler{core: h.core, attrs: b.String(), prefix: h.prefix}
}

func (h *logHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &logHandler{core: h.core, attrs: h.attrs, prefix: h.prefix + name + "."}
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, p, ga)
		}
		return
	}

	val := a.Value.String()
	if a.Value.Kind() == slog.KindTime {
		val = a.Value.Time().Format(time.RFC3339)
	}
	if val == "" || strings.ContainsAny(val, " \t\n\"=") {
		val = strconv.Quote(val)
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(val)
}
