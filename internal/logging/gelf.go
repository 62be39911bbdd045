package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/Graylog2/go-gelf/gelf"
)

// MessageWriter is the part of *gelf.Writer the handler needs.
type MessageWriter interface {
	WriteMessage(m *gelf.Message) error
}

// GELFHandler ships records to Graylog as GELF 1.1 messages. Attributes
// become "_"-prefixed additional fields; groups are flattened with dots.
type GELFHandler struct {
	mu     *sync.Mutex
	w      MessageWriter
	host   string
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewGELFHandler dials a UDP GELF writer at address.
func NewGELFHandler(address, level string) (*GELFHandler, *gelf.Writer, error) {
	w, err := gelf.NewWriter(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GELF writer: %w", err)
	}
	w.Facility = ServiceName
	return NewGELFHandlerWithWriter(w, level), w, nil
}

// NewGELFHandlerWithWriter wraps an existing writer.
func NewGELFHandlerWithWriter(w MessageWriter, level string) *GELFHandler {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &GELFHandler{mu: &sync.Mutex{}, w: w, host: host, level: parseLevel(level)}
}

func (h *GELFHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *GELFHandler) Handle(_ context.Context, r slog.Record) error {
	extra := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
	prefix := strings.Join(h.groups, ".")
	for _, a := range h.attrs {
		addExtra(extra, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addExtra(extra, prefix, a)
		return true
	})

	msg := &gelf.Message{
		Version:  "1.1",
		Host:     h.host,
		Short:    r.Message,
		TimeUnix: float64(r.Time.UnixNano()) / 1e9,
		Level:    syslogLevel(r.Level),
		Facility: ServiceName,
		Extra:    extra,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.w.WriteMessage(msg)
}

func (h *GELFHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	prefix := strings.Join(h.groups, ".")
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *GELFHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func addExtra(extra map[string]interface{}, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			addExtra(extra, key, ga)
		}
		return
	}
	switch a.Value.Kind() {
	case slog.KindInt64:
		extra["_"+key] = a.Value.Int64()
	case slog.KindFloat64:
		extra["_"+key] = a.Value.Float64()
	case slog.KindBool:
		extra["_"+key] = a.Value.Bool()
	default:
		extra["_"+key] = a.Value.String()
	}
}

// syslog severities as used by GELF
func syslogLevel(l slog.Level) int32 {
	switch {
	case l >= slog.LevelError:
		return 3
	case l >= slog.LevelWarn:
		return 4
	case l >= slog.LevelInfo:
		return 6
	default:
		return 7
	}
}
