// internal/export/database_test.go
package export

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sua-org/meter-eye/internal/config"
	"github.com/sua-org/meter-eye/internal/core"
)

func sqliteSink(t *testing.T) (*DatabaseSink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "readings.db")
	s := NewDatabaseSink(config.DatabaseExportConfig{
		Enabled:       true,
		Type:          "sqlite",
		Path:          path,
		RetentionDays: 30,
	}, zap.NewNop())
	return s, path
}

func countRows(t *testing.T, path, table string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestDatabaseSinkInsertsReadings(t *testing.T) {
	s, path := sqliteSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	s.Submit(emission("m1", 12.34))
	s.Submit(emissionIndicator("fire-west", true, 182.4))

	require.Eventually(t, func() bool {
		return countRows(t, path, "readings") == 1 &&
			countRows(t, path, "indicator_readings") == 1
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	s.Stop()
}

func TestDatabaseSinkStoresFailureReading(t *testing.T) {
	s, path := sqliteSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	// value=null, confidence=0 must still land in the table.
	s.Submit(core.Emission{Reading: &core.Reading{
		CameraID:  "cam-01",
		MeterID:   "m1",
		Value:     nil,
		RawText:   "12",
		Timestamp: time.Now().UTC(),
	}})

	require.Eventually(t, func() bool {
		return countRows(t, path, "readings") == 1
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	s.Stop()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var value sql.NullFloat64
	var rawText string
	var confidence float64
	require.NoError(t, db.QueryRow(
		"SELECT value, raw_text, confidence FROM readings").Scan(&value, &rawText, &confidence))
	assert.False(t, value.Valid)
	assert.Equal(t, "12", rawText)
	assert.Zero(t, confidence)
}

func TestDatabaseSinkCleanup(t *testing.T) {
	s, path := sqliteSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	defer func() {
		cancel()
		s.Stop()
	}()

	old := time.Now().UTC().AddDate(0, 0, -90)
	v := 1.0
	s.Submit(core.Emission{Reading: &core.Reading{
		CameraID: "cam-01", MeterID: "m1", Value: &v, RawText: "1", Timestamp: old, Confidence: 1,
	}})
	s.Submit(emission("m1", 2))
	require.Eventually(t, func() bool {
		return countRows(t, path, "readings") == 2
	}, 3*time.Second, 50*time.Millisecond)

	s.cleanup(ctx)
	assert.Equal(t, 1, countRows(t, path, "readings"))
}

func TestDatabaseSinkRejectsUnknownType(t *testing.T) {
	s := NewDatabaseSink(config.DatabaseExportConfig{Type: "oracle"}, zap.NewNop())
	assert.Error(t, s.Start(context.Background()))
}

func TestDatabaseSinkPostgresNeedsDSN(t *testing.T) {
	s := NewDatabaseSink(config.DatabaseExportConfig{Type: "postgresql"}, zap.NewNop())
	assert.Error(t, s.Start(context.Background()))
}
