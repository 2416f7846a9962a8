package repository

import (
	"database/sql"
	"errors"
	"testing"

	"catcar-wash-iot/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupStateRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *DeviceStateRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewDeviceStateRepository(db, logger)

	return db, mock, repo
}

func stateRecord(deviceID string, timestamp int64) models.StateRecord {
	return models.NewStateRecord(deviceID, &models.TelemetryMessage{
		RSSI:      -60,
		Status:    models.DeviceStatusNormal,
		Uptime:    120,
		Timestamp: timestamp,
	})
}

func TestBulkInsertStates_Success(t *testing.T) {
	db, mock, repo := setupStateRepo(t)
	defer db.Close()

	records := []models.StateRecord{
		stateRecord("dev-1", 100),
		stateRecord("dev-2", 200),
	}

	mock.ExpectExec(`INSERT INTO tbl_devices_state`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := repo.BulkInsertStates(records)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertStates_Empty(t *testing.T) {
	db, mock, repo := setupStateRepo(t)
	defer db.Close()

	// 空批次不应访问数据库
	err := repo.BulkInsertStates(nil)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertStates_DatabaseError(t *testing.T) {
	db, mock, repo := setupStateRepo(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO tbl_devices_state`).
		WillReturnError(errors.New("connection refused"))

	err := repo.BulkInsertStates([]models.StateRecord{stateRecord("dev-1", 100)})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bulk insert")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLastState_Success(t *testing.T) {
	db, mock, repo := setupStateRepo(t)
	defer db.Close()

	record := stateRecord("dev-1", 100)

	mock.ExpectExec(`INSERT INTO tbl_devices_last_state`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertLastState(record)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveStateTx_Success(t *testing.T) {
	db, mock, repo := setupStateRepo(t)
	defer db.Close()

	record := stateRecord("dev-1", 100)

	// 历史插入与最新状态更新在同一事务内
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO tbl_devices_state`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO tbl_devices_last_state`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.SaveStateTx(record)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveStateTx_RollbackOnError(t *testing.T) {
	db, mock, repo := setupStateRepo(t)
	defer db.Close()

	record := stateRecord("dev-1", 100)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO tbl_devices_state`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.SaveStateTx(record)

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLastState_Success(t *testing.T) {
	db, mock, repo := setupStateRepo(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"state_data"}).
		AddRow([]byte(`{"rssi":-55,"status":"NORMAL","uptime":60,"timestamp":1700000000000}`))

	mock.ExpectQuery(`SELECT state_data FROM tbl_devices_last_state`).
		WithArgs("dev-1").
		WillReturnRows(rows)

	msg, err := repo.GetLastState("dev-1")

	require.NoError(t, err)
	assert.Equal(t, -55, msg.RSSI)
	assert.Equal(t, models.DeviceStatusNormal, msg.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLastState_NotFound(t *testing.T) {
	db, mock, repo := setupStateRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT state_data FROM tbl_devices_last_state`).
		WithArgs("dev-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetLastState("dev-missing")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "last state not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}
