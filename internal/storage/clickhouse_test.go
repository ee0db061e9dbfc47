package storage

import (
	"testing"
)

func TestNewClickHouseDB(t *testing.T) {
	db := setupTestClickHouse(t)

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestClickHouseDB_Conn(t *testing.T) {
	db := setupTestClickHouse(t)

	if db.Conn() == nil {
		t.Error("Conn() returned nil")
	}
}
