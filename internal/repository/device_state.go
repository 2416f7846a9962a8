package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"catcar-wash-iot/internal/models"

	"go.uber.org/zap"
)

// ErrLastStateNotFound 设备尚无最新状态记录
var ErrLastStateNotFound = errors.New("last state not found for device")

// DeviceStateRepository 设备状态仓库
// tbl_devices_state 为只追加的历史表，tbl_devices_last_state 每台设备仅保留一行
type DeviceStateRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceStateRepository 创建设备状态仓库
func NewDeviceStateRepository(db *sql.DB, logger *zap.Logger) *DeviceStateRepository {
	return &DeviceStateRepository{
		db:     db,
		logger: logger,
	}
}

// BulkInsertStates 批量插入历史状态行
func (r *DeviceStateRepository) BulkInsertStates(records []models.StateRecord) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO tbl_devices_state (device_id, state_data, hash_state) VALUES `)

	args := make([]interface{}, 0, len(records)*3)
	for i, record := range records {
		stateData, err := json.Marshal(record.State)
		if err != nil {
			return fmt.Errorf("failed to marshal state for device %s: %w", record.DeviceID, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, record.DeviceID, stateData, record.Hash)
	}

	if _, err := r.db.Exec(sb.String(), args...); err != nil {
		return fmt.Errorf("failed to bulk insert device states: %w", err)
	}

	return nil
}

// UpsertLastState 更新设备最新状态（存在则覆盖）
func (r *DeviceStateRepository) UpsertLastState(record models.StateRecord) error {
	stateData, err := json.Marshal(record.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state for device %s: %w", record.DeviceID, err)
	}

	query := `
		INSERT INTO tbl_devices_last_state (device_id, state_data, hash_state)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE SET
			state_data = EXCLUDED.state_data,
			hash_state = EXCLUDED.hash_state,
			updated_at = NOW()
	`

	if _, err := r.db.Exec(query, record.DeviceID, stateData, record.Hash); err != nil {
		return fmt.Errorf("failed to upsert last state for device %s: %w", record.DeviceID, err)
	}

	return nil
}

// SaveStateTx 在单个事务中写入历史状态并更新最新状态
// 离线合成状态使用，保证两张表的一致性
func (r *DeviceStateRepository) SaveStateTx(record models.StateRecord) error {
	stateData, err := json.Marshal(record.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state for device %s: %w", record.DeviceID, err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `INSERT INTO tbl_devices_state (device_id, state_data, hash_state) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(insertQuery, record.DeviceID, stateData, record.Hash); err != nil {
		return fmt.Errorf("failed to insert device state: %w", err)
	}

	upsertQuery := `
		INSERT INTO tbl_devices_last_state (device_id, state_data, hash_state)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE SET
			state_data = EXCLUDED.state_data,
			hash_state = EXCLUDED.hash_state,
			updated_at = NOW()
	`
	if _, err := tx.Exec(upsertQuery, record.DeviceID, stateData, record.Hash); err != nil {
		return fmt.Errorf("failed to upsert last state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetLastState 读取设备最新状态
func (r *DeviceStateRepository) GetLastState(deviceID string) (*models.TelemetryMessage, error) {
	query := `SELECT state_data FROM tbl_devices_last_state WHERE device_id = $1 LIMIT 1`

	var stateData []byte
	err := r.db.QueryRow(query, deviceID).Scan(&stateData)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrLastStateNotFound, deviceID)
		}
		return nil, fmt.Errorf("failed to query last state: %w", err)
	}

	var msg models.TelemetryMessage
	if err := json.Unmarshal(stateData, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last state: %w", err)
	}

	return &msg, nil
}
