// Package influx writes periodic world samples to InfluxDB v2. When the
// server cannot be reached the points go to a gzip line protocol backup
// file instead.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/config"
	"github.com/Seonggyu05/infinite-introverts/internal/epoch"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
)

// Measurement names.
const (
	MeasurementPresence = "world_presence"
	MeasurementEpoch    = "world_epoch"
)

// ErrDisabled is returned by Connect when the sink is switched off.
var ErrDisabled = errors.New("influx sink is disabled")

// retention of the world bucket
const retentionSeconds = 60 * 60 * 24 * 30

// Sample is one observation of the running world.
type Sample struct {
	At       time.Time
	Online   int
	Clients  int
	Channels int
	Epoch    epoch.Epoch
	Phase    epoch.Phase
}

// Source produces the next sample.
type Source func(ctx context.Context) (Sample, error)

// Manager handles the InfluxDB connection and writes.
type Manager struct {
	cfg        config.InfluxConfig
	logger     zerolog.Logger
	backupPath string

	mu         sync.Mutex
	client     influxdb2.Client
	writer     influxdb2_api.WriteAPI
	backupFile *os.File
	backup     *gzip.Writer
	valid      bool
}

// NewManager creates a new InfluxDB manager.
func NewManager(cfg config.InfluxConfig, log zerolog.Logger, backupPath string) *Manager {
	if cfg.Bucket == "" {
		cfg.Bucket = "world"
	}
	return &Manager{cfg: cfg, logger: log, backupPath: backupPath}
}

// Valid reports whether points go to the server rather than the backup file.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// Connect establishes the connection. A failed health check falls back to
// the backup file and is not an error.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.client = influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", m.cfg.Protocol, m.cfg.Host, m.cfg.Port),
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := m.client.Ping(ctx)
	if err != nil || !running {
		m.valid = false
		m.logger.Warn().Err(err).Str("backupPath", m.backupPath).
			Msg("InfluxDB unreachable, writing to backup file")
		return m.openBackupLocked()
	}

	if err := m.setupBucket(ctx); err != nil {
		return err
	}
	m.writer = m.client.WriteAPI(m.cfg.Org, m.cfg.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.logger.Error().Err(writeErr).Str("bucket", m.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(m.writer.Errors())

	m.valid = true
	m.logger.Info().Str("bucket", m.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackupLocked() error {
	if m.backup != nil {
		return nil
	}
	if m.backupPath == "" {
		return errors.New("influx: no backup path configured")
	}
	file, err := os.OpenFile(m.backupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	m.backupFile = file
	m.backup = gzip.NewWriter(file)
	return nil
}

func (m *Manager) setupBucket(ctx context.Context) error {
	orgs := m.client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, m.cfg.Org)
	if err != nil {
		m.logger.Info().Str("org", m.cfg.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, m.cfg.Org)
		if err != nil {
			m.logger.Error().Err(err).Str("org", m.cfg.Org).Msg("Error creating organization")
			return err
		}
	}

	if _, err := m.client.BucketsAPI().FindBucketByName(ctx, m.cfg.Bucket); err == nil {
		return nil
	}
	m.logger.Info().Str("bucket", m.cfg.Bucket).Msg("Bucket not found, creating")
	rule := domain.RetentionRuleTypeExpire
	_, err = m.client.BucketsAPI().CreateBucketWithName(ctx, org, m.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: retentionSeconds,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("bucket", m.cfg.Bucket).Msg("Error creating bucket")
	}
	return err
}

// WritePoint writes a point to InfluxDB or to the backup file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid {
		m.writer.WritePoint(point)
		return nil
	}
	if m.backup == nil {
		return errors.New("influxDB client not initialized and backup writer not available")
	}
	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.backup.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// Write records both points of a sample.
func (m *Manager) Write(s Sample) error {
	if err := m.WritePoint(PresencePoint(s)); err != nil {
		return err
	}
	if s.Epoch.ID == 0 {
		return nil
	}
	return m.WritePoint(EpochPoint(s))
}

// Report writes a sample from src every interval until ctx is done.
func (m *Manager) Report(ctx context.Context, interval time.Duration, src Source) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := src(ctx)
			if err != nil {
				m.logger.Warn().Err(err).Msg("Failed to sample world")
				continue
			}
			if err := m.Write(s); err != nil {
				m.logger.Error().Err(err).Msg("Failed to write world sample")
			}
		}
	}
}

// Close flushes pending writes and releases the client and backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer != nil {
		m.writer.Flush()
	}
	if m.client != nil {
		m.client.Close()
	}
	var err error
	if m.backup != nil {
		err = errors.Join(m.backup.Close(), m.backupFile.Close())
		m.backup = nil
		m.backupFile = nil
	}
	m.valid = false
	return err
}

// PresencePoint builds the world_presence point of s.
func PresencePoint(s Sample) *influxdb2_write.Point {
	return influxdb2_write.NewPoint(
		MeasurementPresence,
		nil,
		map[string]interface{}{
			"online":   s.Online,
			"clients":  s.Clients,
			"channels": s.Channels,
		},
		s.At,
	)
}

// EpochPoint builds the world_epoch point of s, tagged with the epoch ID.
func EpochPoint(s Sample) *influxdb2_write.Point {
	remaining := s.Epoch.NextResetAt.Sub(s.At)
	if remaining < 0 {
		remaining = 0
	}
	return influxdb2_write.NewPoint(
		MeasurementEpoch,
		map[string]string{"epoch": strconv.FormatInt(s.Epoch.ID, 10)},
		map[string]interface{}{
			"remaining_seconds": int64(remaining / time.Second),
			"reset_count":       s.Epoch.ResetCount,
			"phase":             s.Phase.String(),
		},
		s.At,
	)
}
