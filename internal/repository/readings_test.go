package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitesense-alarm/internal/models"
)

func setupMockReadingDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *ReadingRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewReadingRepository(db, logger)

	return db, mock, repo
}

func floatPtr(v float64) *float64 { return &v }

func TestInsertReadings_CountsOnlyNewRows(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	now := time.Now()
	readings := []models.SensorReading{
		{DeviceID: "dev-1", RecordedAt: now.Add(-time.Minute), Temperature: floatPtr(12.5), ReceivedAt: now},
		{DeviceID: "dev-1", RecordedAt: now, Temperature: floatPtr(12.8), ReceivedAt: now},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO sensor_readings`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	// 重复上报的第二条被 ON CONFLICT 吃掉
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	inserted, err := repo.InsertReadings(context.Background(), readings)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReadings_EmptyBatch(t *testing.T) {
	db, _, repo := setupMockReadingDB(t)
	defer db.Close()

	inserted, err := repo.InsertReadings(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
}

func TestListRange_OrdersAscending(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"device_id", "recorded_at", "temperature", "humidity",
		"door_status", "power_consumption", "received_at",
	}).
		AddRow("dev-1", now.Add(-2*time.Minute), 12.1, nil, nil, nil, now).
		AddRow("dev-1", now.Add(-1*time.Minute), 12.4, nil, "closed", nil, now)

	mock.ExpectQuery(`SELECT`).
		WithArgs("dev-1", now.Add(-5*time.Minute), now).
		WillReturnRows(rows)

	readings, err := repo.ListRange(context.Background(), "dev-1", now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.True(t, readings[0].RecordedAt.Before(readings[1].RecordedAt))
	require.NotNil(t, readings[0].Temperature)
	assert.Equal(t, 12.1, *readings[0].Temperature)
	assert.Nil(t, readings[0].DoorStatus)
	require.NotNil(t, readings[1].DoorStatus)
	assert.Equal(t, models.DoorClosed, *readings[1].DoorStatus)
}

func TestLatestAtOrBefore_None(t *testing.T) {
	db, mock, repo := setupMockReadingDB(t)
	defer db.Close()

	ts := time.Now()
	mock.ExpectQuery(`SELECT`).
		WithArgs("dev-1", ts).
		WillReturnRows(sqlmock.NewRows([]string{
			"device_id", "recorded_at", "temperature", "humidity",
			"door_status", "power_consumption", "received_at",
		}))

	reading, err := repo.LatestAtOrBefore(context.Background(), "dev-1", ts)
	require.NoError(t, err)
	assert.Nil(t, reading)
}
