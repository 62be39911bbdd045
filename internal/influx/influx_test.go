package influx

import (
	"bufio"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/config"
	"github.com/Seonggyu05/infinite-introverts/internal/epoch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sample() Sample {
	return Sample{
		At:       at,
		Online:   3,
		Clients:  4,
		Channels: 2,
		Epoch:    epoch.Epoch{ID: 7, NextResetAt: at.Add(90 * time.Second), ResetCount: 6},
		Phase:    epoch.Warn1,
	}
}

func TestPresencePoint(t *testing.T) {
	p := PresencePoint(sample())
	assert.Equal(t, MeasurementPresence, p.Name())
	assert.Equal(t, at, p.Time())

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.EqualValues(t, 3, fields["online"])
	assert.EqualValues(t, 4, fields["clients"])
	assert.EqualValues(t, 2, fields["channels"])
}

func TestEpochPoint(t *testing.T) {
	p := EpochPoint(sample())
	assert.Equal(t, MeasurementEpoch, p.Name())
	require.Len(t, p.TagList(), 1)
	assert.Equal(t, "epoch", p.TagList()[0].Key)
	assert.Equal(t, "7", p.TagList()[0].Value)

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.EqualValues(t, 90, fields["remaining_seconds"])
	assert.EqualValues(t, 6, fields["reset_count"])
	assert.Equal(t, "warn_1", fields["phase"])
}

func TestEpochPoint_NeverNegative(t *testing.T) {
	s := sample()
	s.At = s.Epoch.NextResetAt.Add(time.Minute)
	for _, f := range EpochPoint(s).FieldList() {
		if f.Key == "remaining_seconds" {
			assert.EqualValues(t, 0, f.Value)
		}
	}
}

func TestConnect_Disabled(t *testing.T) {
	m := NewManager(config.InfluxConfig{}, zerolog.Nop(), "")
	assert.ErrorIs(t, m.Connect(context.Background()), ErrDisabled)
	assert.Error(t, m.WritePoint(PresencePoint(sample())))
}

func unhealthyServer(t *testing.T) config.InfluxConfig {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return config.InfluxConfig{
		Enabled:  true,
		Protocol: u.Scheme,
		Host:     u.Hostname(),
		Port:     u.Port(),
		Token:    "token",
		Org:      "worldsync",
		Bucket:   "world",
	}
}

func readBackup(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)

	var lines []string
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestConnect_FallsBackToBackupFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "influx_backup.log.gz")
	m := NewManager(unhealthyServer(t), zerolog.Nop(), path)

	require.NoError(t, m.Connect(context.Background()))
	assert.False(t, m.Valid())

	require.NoError(t, m.Write(sample()))
	require.NoError(t, m.Close())

	lines := readBackup(t, path)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "world_presence ")
	assert.Contains(t, lines[0], "online=3i")
	assert.Contains(t, lines[1], "world_epoch,epoch=7 ")
	assert.Contains(t, lines[1], `phase="warn_1"`)
}

func TestWrite_SkipsEpochPointWithoutEpoch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "influx_backup.log.gz")
	m := NewManager(unhealthyServer(t), zerolog.Nop(), path)
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.Write(Sample{At: at, Online: 1}))
	require.NoError(t, m.Close())
	assert.Len(t, readBackup(t, path), 1)
}

func TestReport_WritesUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "influx_backup.log.gz")
	m := NewManager(unhealthyServer(t), zerolog.Nop(), path)
	require.NoError(t, m.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Report(ctx, 5*time.Millisecond, func(context.Context) (Sample, error) {
			select {
			case calls <- struct{}{}:
			default:
			}
			return Sample{At: time.Now(), Online: 1}, nil
		})
	}()

	<-calls
	<-calls
	cancel()
	<-done

	require.NoError(t, m.Close())
	assert.GreaterOrEqual(t, len(readBackup(t, path)), 2)
}
