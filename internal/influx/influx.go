// Package influx records sync pass statistics in InfluxDB, falling back to a
// gzipped line protocol file when the server cannot be reached.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
	"github.com/terrascout/fieldmap/internal/config"
	"github.com/terrascout/fieldmap/internal/remote"
	"github.com/terrascout/fieldmap/internal/syncer"
)

// Measurement is the name of the point written per sync pass.
const Measurement = "sync_pass"

var _ syncer.Observer = (*Manager)(nil)

// Manager handles the InfluxDB connection and writes.
type Manager struct {
	Client       influxdb2.Client
	Writer       influxdb2_api.WriteAPI
	BackupWriter *gzip.Writer
	IsValid      bool
	Bucket       string
	Logger       zerolog.Logger
	BackupPath   string

	mu         sync.Mutex
	backupFile *os.File
	device     string
}

// NewManager creates a new InfluxDB manager. device tags every point.
func NewManager(log zerolog.Logger, backupPath, device string) *Manager {
	return &Manager{
		IsValid:    false,
		Logger:     log,
		BackupPath: backupPath,
		device:     device,
	}
}

// Connect establishes a connection to InfluxDB.
func (m *Manager) Connect(ctx context.Context, cfg config.InfluxConfig) error {
	if !cfg.Enabled {
		return errors.New("influx.enabled is false")
	}
	m.Bucket = cfg.Bucket

	m.Client = influxdb2.NewClientWithOptions(
		cfg.URL(),
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(100).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := m.Client.Ping(ctx)

	if err != nil || !running {
		m.IsValid = false
		if m.BackupWriter == nil {
			m.Logger.Info().Str("backupPath", m.BackupPath).
				Msg("Failed to initialize InfluxDB client, writing to backup file")

			file, err := os.OpenFile(m.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("error creating backup file: %w", err)
			}
			m.backupFile = file
			m.BackupWriter = gzip.NewWriter(file)
		}
		m.Logger.Warn().Msg("InfluxDB client failed to initialize, using backup writer")
		return nil
	}

	m.IsValid = true
	if err := m.setupOrganizationAndBucket(ctx, cfg.Org); err != nil {
		return err
	}
	m.Writer = m.Client.WriteAPI(cfg.Org, m.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.Logger.Error().Err(writeErr).Str("bucket", m.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(m.Writer.Errors())

	m.Logger.Info().Str("bucket", m.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) setupOrganizationAndBucket(ctx context.Context, orgName string) error {
	influxOrg, err := m.Client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.Logger.Info().Str("org", orgName).Msg("Organization not found, creating")
		influxOrg, err = m.Client.OrganizationsAPI().CreateOrganizationWithName(ctx, orgName)
		if err != nil {
			m.Logger.Error().Err(err).Str("org", orgName).Msg("Error creating organization")
			return err
		}
	}

	// 90 day retention
	if _, err := m.Client.BucketsAPI().FindBucketByName(ctx, m.Bucket); err != nil {
		m.Logger.Info().Str("bucket", m.Bucket).Msg("Bucket not found, creating")

		rule := domain.RetentionRuleTypeExpire
		_, err = m.Client.BucketsAPI().CreateBucketWithName(ctx, influxOrg, m.Bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: 60 * 60 * 24 * 90,
		})
		if err != nil {
			m.Logger.Error().Err(err).Str("bucket", m.Bucket).Msg("Error creating bucket")
			return err
		}
	}
	return nil
}

// WritePoint writes a point to InfluxDB or the backup file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsValid {
		m.Writer.WritePoint(point)
		return nil
	}
	if m.BackupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}

	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.BackupWriter.Write([]byte(lineProtocol + "\n")); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// SyncPoint converts a finished pass into a point.
func SyncPoint(device string, res syncer.Result, err error) *influxdb2_write.Point {
	outcome := "ok"
	switch {
	case errors.Is(err, remote.ErrAuthExpired):
		outcome = "auth_expired"
	case err != nil:
		outcome = "error"
	}
	at := res.StartedAt
	if at.IsZero() {
		at = time.Now()
	}
	return influxdb2.NewPoint(Measurement,
		map[string]string{"device": device, "outcome": outcome},
		map[string]interface{}{
			"uploaded":        res.Uploaded,
			"downloaded":      res.Downloaded,
			"skipped":         res.Skipped,
			"groups_imported": res.GroupsImported,
			"duration_ms":     res.Duration.Milliseconds(),
		},
		at)
}

// ObservePass records one sync pass.
func (m *Manager) ObservePass(_ context.Context, res syncer.Result, err error) {
	if errors.Is(err, syncer.ErrInProgress) {
		return
	}
	if werr := m.WritePoint(SyncPoint(m.device, res, err)); werr != nil {
		m.Logger.Warn().Err(werr).Msg("Failed to record sync pass")
	}
}

// Close flushes pending writes and releases the client and backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Writer != nil {
		m.Writer.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}
	var errs []error
	if m.BackupWriter != nil {
		errs = append(errs, m.BackupWriter.Close())
		m.BackupWriter = nil
	}
	if m.backupFile != nil {
		errs = append(errs, m.backupFile.Close())
		m.backupFile = nil
	}
	return errors.Join(errs...)
}
