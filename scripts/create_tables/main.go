package main

import (
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"catcar-wash-iot/internal/config"
	"catcar-wash-iot/internal/database"
)

// 建表脚本：设备目录、状态历史表与最新状态表
const schema = `
CREATE TABLE IF NOT EXISTS tbl_devices (
    id          VARCHAR(64) PRIMARY KEY,
    name        VARCHAR(255) NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tbl_devices_state (
    id          BIGSERIAL PRIMARY KEY,
    device_id   VARCHAR(64) NOT NULL,
    state_data  JSONB NOT NULL,
    hash_state  VARCHAR(64) NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_devices_state_device_created
    ON tbl_devices_state (device_id, created_at DESC);

CREATE TABLE IF NOT EXISTS tbl_devices_last_state (
    device_id   VARCHAR(64) PRIMARY KEY,
    state_data  JSONB NOT NULL,
    hash_state  VARCHAR(64) NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create tables: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Tables created successfully")
}
