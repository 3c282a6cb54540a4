// internal/export/database.go
package export

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sua-org/meter-eye/internal/config"
	"github.com/sua-org/meter-eye/internal/core"
	"github.com/sua-org/meter-eye/internal/metrics"
)

const (
	dbQueueCapacity  = 1000
	dbQueryTimeout   = 10 * time.Second
	dbPoolSize       = 2
	retentionPeriod  = time.Hour
	dbInsertBatchMax = 100
)

// DatabaseSink persists every emission into the readings /
// indicator_readings tables and prunes rows beyond retention_days once
// an hour.
type DatabaseSink struct {
	cfg   config.DatabaseExportConfig
	queue *emissionQueue
	db    *sql.DB
	log   *zap.Logger
	wg    sync.WaitGroup

	driver      string
	placeholder func(n int) string
}

func NewDatabaseSink(cfg config.DatabaseExportConfig, log *zap.Logger) *DatabaseSink {
	return &DatabaseSink{
		cfg:   cfg,
		queue: newEmissionQueue("database", dbQueueCapacity),
		log:   log.With(zap.String("sink", "database")),
	}
}

func (s *DatabaseSink) Name() string { return "database" }

// dsn resolves the driver name and connection string per type.
func (s *DatabaseSink) dsn() (driver, dsn string, err error) {
	switch s.cfg.Type {
	case "sqlite":
		path := s.cfg.Path
		if s.cfg.ConnectionString != "" {
			path = s.cfg.ConnectionString
		}
		return "sqlite", path, nil
	case "postgresql":
		if s.cfg.ConnectionString == "" {
			return "", "", fmt.Errorf("database sink: connection_string required for postgresql")
		}
		return "postgres", s.cfg.ConnectionString, nil
	default:
		return "", "", fmt.Errorf("database sink: unsupported type %q", s.cfg.Type)
	}
}

func (s *DatabaseSink) Start(ctx context.Context) error {
	driver, dsn, err := s.dsn()
	if err != nil {
		return err
	}
	s.driver = driver
	if driver == "postgres" {
		s.placeholder = func(n int) string { return fmt.Sprintf("$%d", n) }
	} else {
		s.placeholder = func(int) string { return "?" }
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(dbPoolSize)
	db.SetMaxIdleConns(dbPoolSize)

	pingCtx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	s.db = db

	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return err
	}

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *DatabaseSink) createSchema(ctx context.Context) error {
	idType := "INTEGER PRIMARY KEY AUTOINCREMENT"
	boolType := "BOOLEAN"
	if s.driver == "postgres" {
		idType = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS readings (
			id %s,
			camera_id VARCHAR(64) NOT NULL,
			meter_id VARCHAR(64) NOT NULL,
			value DOUBLE PRECISION,
			raw_text VARCHAR(32) NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			confidence DOUBLE PRECISION NOT NULL
		)`, idType),
		`CREATE INDEX IF NOT EXISTS idx_camera_meter_time
			ON readings (camera_id, meter_id, timestamp)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS indicator_readings (
			id %s,
			camera_id VARCHAR(64) NOT NULL,
			indicator_id VARCHAR(64) NOT NULL,
			state %s NOT NULL,
			brightness DOUBLE PRECISION NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`, idType, boolType),
		`CREATE INDEX IF NOT EXISTS idx_camera_indicator_time
			ON indicator_readings (camera_id, indicator_id, timestamp)`,
	}

	for _, stmt := range stmts {
		qCtx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
		_, err := s.db.ExecContext(qCtx, stmt)
		cancel()
		if err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *DatabaseSink) Submit(em core.Emission) { s.queue.submitMetered(em) }

func (s *DatabaseSink) run(ctx context.Context) {
	defer s.wg.Done()

	retention := time.NewTicker(retentionPeriod)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-retention.C:
			s.cleanup(ctx)
		case em := <-s.queue.ch:
			batch := []core.Emission{em}
			// Opportunistically take whatever else is already queued.
			for len(batch) < dbInsertBatchMax {
				select {
				case next := <-s.queue.ch:
					batch = append(batch, next)
				default:
					goto insert
				}
			}
		insert:
			s.insertBatch(ctx, batch)
		}
	}
}

func (s *DatabaseSink) insertBatch(ctx context.Context, batch []core.Emission) {
	qCtx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(qCtx, nil)
	if err != nil {
		metrics.SinkErrors.WithLabelValues("database").Inc()
		s.log.Warn("begin transaction failed", zap.Error(err))
		return
	}

	readingStmt := fmt.Sprintf(
		`INSERT INTO readings (camera_id, meter_id, value, raw_text, timestamp, confidence)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3),
		s.placeholder(4), s.placeholder(5), s.placeholder(6))
	indicatorStmt := fmt.Sprintf(
		`INSERT INTO indicator_readings (camera_id, indicator_id, state, brightness, timestamp)
		 VALUES (%s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3),
		s.placeholder(4), s.placeholder(5))

	for _, em := range batch {
		var execErr error
		switch {
		case em.Reading != nil:
			r := em.Reading
			var value sql.NullFloat64
			if r.Value != nil {
				value = sql.NullFloat64{Float64: *r.Value, Valid: true}
			}
			_, execErr = tx.ExecContext(qCtx, readingStmt,
				r.CameraID, r.MeterID, value, r.RawText, r.Timestamp, r.Confidence)
		case em.Indicator != nil:
			r := em.Indicator
			_, execErr = tx.ExecContext(qCtx, indicatorStmt,
				r.CameraID, r.IndicatorID, r.State, r.Score, r.Timestamp)
		}
		if execErr != nil {
			// Constraint violations and friends are permanent: skip
			// the row, keep the batch.
			metrics.SinkErrors.WithLabelValues("database").Inc()
			if isPermanentSQLError(execErr) {
				s.log.Warn("dropping row", zap.Error(execErr))
				continue
			}
			tx.Rollback()
			s.log.Warn("insert batch failed", zap.Error(execErr), zap.Int("batch", len(batch)))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.SinkErrors.WithLabelValues("database").Inc()
		s.log.Warn("commit failed", zap.Error(err))
	}
}

// isPermanentSQLError classifies errors that retrying cannot fix.
func isPermanentSQLError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "too long")
}

// cleanup deletes rows older than retention_days.
func (s *DatabaseSink) cleanup(ctx context.Context) {
	if s.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	for _, table := range []string{"readings", "indicator_readings"} {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE timestamp < %s", table, s.placeholder(1))
		qCtx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
		res, err := s.db.ExecContext(qCtx, stmt, cutoff)
		cancel()
		if err != nil {
			s.log.Warn("retention cleanup failed", zap.String("table", table), zap.Error(err))
			continue
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.log.Info("retention cleanup",
				zap.String("table", table), zap.Int64("deleted", n))
		}
	}
}

// Flush writes whatever is still queued.
func (s *DatabaseSink) Flush() {
	if s.db == nil {
		return
	}
	var batch []core.Emission
	for {
		select {
		case em := <-s.queue.ch:
			batch = append(batch, em)
		default:
			if len(batch) > 0 {
				s.insertBatch(context.Background(), batch)
			}
			return
		}
	}
}

func (s *DatabaseSink) Stop() {
	s.wg.Wait()
	if s.db != nil {
		s.db.Close()
	}
}
