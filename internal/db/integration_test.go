//go:build integration

package db

import (
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/dreambigrsa/liveassist/internal/config"
	"github.com/dreambigrsa/liveassist/internal/models"
)

// mysqlConfig reads the integration server from LIVEASSIST_MYSQL_HOST and
// LIVEASSIST_MYSQL_PORT and skips when it is not set.
func mysqlConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	host := os.Getenv("LIVEASSIST_MYSQL_HOST")
	if host == "" {
		t.Skip("LIVEASSIST_MYSQL_HOST not set")
	}
	port := 3306
	if p := os.Getenv("LIVEASSIST_MYSQL_PORT"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			t.Fatalf("LIVEASSIST_MYSQL_PORT: %v", err)
		}
		port = n
	}
	return config.DatabaseConfig{
		Driver:   "mysql",
		Host:     host,
		Port:     port,
		User:     "root",
		Password: os.Getenv("LIVEASSIST_MYSQL_PASSWORD"),
		Name:     fmt.Sprintf("liveassist_it_%d", time.Now().UnixNano()),
	}
}

func TestIntegration_CreateMigrateSeedDrop(t *testing.T) {
	cfg := mysqlConfig(t)

	admin, err := ConnectAdmin(cfg)
	if err != nil {
		t.Fatalf("ConnectAdmin: %v", err)
	}
	if err := CreateDatabase(admin, cfg.Name); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	t.Cleanup(func() {
		if err := DropDatabase(admin, cfg.Name); err != nil {
			t.Errorf("DropDatabase: %v", err)
		}
	})

	gdb, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	// Running twice must be idempotent.
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate (second run): %v", err)
	}

	rules := []config.RuleConfig{
		{ID: "primary", RoleID: "counselor", TriggerType: "timeout", MaxEscalationAttempts: 2, Strategy: "sequential"},
	}
	if err := SeedRules(gdb, rules); err != nil {
		t.Fatalf("SeedRules: %v", err)
	}
	if err := SeedRules(gdb, rules); err != nil {
		t.Fatalf("SeedRules (upsert): %v", err)
	}
	var n int64
	gdb.Model(&models.EscalationRule{}).Count(&n)
	if n != 1 {
		t.Errorf("rule count = %d, want 1", n)
	}

	pros := []config.ProfessionalConfig{{ID: "pro-1", RoleID: "counselor", Online: true}}
	if err := SeedProfessionals(gdb, pros); err != nil {
		t.Fatalf("SeedProfessionals: %v", err)
	}
	var p models.Professional
	if err := gdb.First(&p, "id = ?", "pro-1").Error; err != nil {
		t.Fatalf("load professional: %v", err)
	}
	if !p.Online {
		t.Error("professional should be online")
	}
}
