package repository

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DeviceRepository 设备仓库
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// Exists 检查设备是否存在
func (r *DeviceRepository) Exists(deviceID string) (bool, error) {
	query := `SELECT 1 FROM tbl_devices WHERE id = $1 LIMIT 1`

	var one int
	err := r.db.QueryRow(query, deviceID).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to query device: %w", err)
	}

	return true, nil
}

// ExistingIDs 批量查询存在的设备ID
// 用于批量写入前过滤未注册设备
func (r *DeviceRepository) ExistingIDs(deviceIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(deviceIDs))
	if len(deviceIDs) == 0 {
		return existing, nil
	}

	query := `SELECT id FROM tbl_devices WHERE id = ANY($1)`

	rows, err := r.db.Query(query, pq.Array(deviceIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device id: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}

	return existing, nil
}
