package storage

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/drones?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	return db
}

func TestMySQLAdapter_Contract(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	adapter := NewMySQLAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	runLedgerContract(t, func(t *testing.T) seedableLedger {
		ctx := context.Background()
		for _, table := range []string{"inventory_items", "scan_sessions", "products"} {
			if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				t.Fatalf("cleanup %s failed: %v", table, err)
			}
		}
		return adapter
	})
}

func TestMySQLAdapter_MigrateIsIdempotent(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	adapter := NewMySQLAdapter(db)
	ctx := context.Background()
	if err := adapter.Migrate(ctx); err != nil {
		t.Fatalf("first migrate failed: %v", err)
	}
	if err := adapter.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}
