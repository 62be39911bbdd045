package logging

import (
	"log/slog"
	"testing"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	messages []*gelf.Message
}

func (c *captureWriter) WriteMessage(m *gelf.Message) error {
	c.messages = append(c.messages, m)
	return nil
}

func TestGELFHandler_Message(t *testing.T) {
	w := &captureWriter{}
	logger := slog.New(NewGELFHandlerWithWriter(w, "info"))

	logger.Debug("dropped")
	logger.With("component", "hub").WithGroup("req").Warn("slow client", "conn", 3, "ok", false)

	require.Len(t, w.messages, 1)
	m := w.messages[0]
	assert.Equal(t, "1.1", m.Version)
	assert.Equal(t, "slow client", m.Short)
	assert.Equal(t, int32(4), m.Level)
	assert.Equal(t, ServiceName, m.Facility)
	assert.Equal(t, "hub", m.Extra["_component"])
	assert.Equal(t, int64(3), m.Extra["_req.conn"])
	assert.Equal(t, false, m.Extra["_req.ok"])
}

func TestSyslogLevel(t *testing.T) {
	assert.Equal(t, int32(7), syslogLevel(slog.LevelDebug))
	assert.Equal(t, int32(6), syslogLevel(slog.LevelInfo))
	assert.Equal(t, int32(4), syslogLevel(slog.LevelWarn))
	assert.Equal(t, int32(3), syslogLevel(slog.LevelError))
}
