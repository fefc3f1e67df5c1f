package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inferfleet/clusterctl/internal/errs"
)

func TestLoadCoordinatorParsesArgv(t *testing.T) {
	argv := []string{"coordinator", "10.0.0.1", "8001", "10.0.0.2", "8002"}
	cfg, err := Load(RoleCoordinator, argv)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Predict != (Endpoint{IP: "10.0.0.1", Port: 8001}) {
		t.Fatalf("unexpected predict endpoint: %+v", cfg.Predict)
	}
	if cfg.Manage != (Endpoint{IP: "10.0.0.2", Port: 8002}) {
		t.Fatalf("unexpected manage endpoint: %+v", cfg.Manage)
	}
}

func TestLoadCoordinatorRejectsShortArgv(t *testing.T) {
	_, err := Load(RoleCoordinator, []string{"coordinator", "10.0.0.1"})
	if err == nil {
		t.Fatal("expected an error for short argv")
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.InvalidParameter {
		t.Fatalf("expected InvalidParameter, got %v", err)
	}
}

func TestLoadCoordinatorRejectsNonNumericPort(t *testing.T) {
	_, err := Load(RoleCoordinator, []string{"coordinator", "10.0.0.1", "not-a-port", "10.0.0.2", "8002"})
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.InvalidParameter {
		t.Fatalf("expected InvalidParameter, got %v", err)
	}
}

func TestLoadCoordinatorRejectsOutOfRangePort(t *testing.T) {
	_, err := Load(RoleCoordinator, []string{"coordinator", "10.0.0.1", "70000", "10.0.0.2", "8002"})
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.InvalidParameter {
		t.Fatalf("expected InvalidParameter, got %v", err)
	}
}

func TestLoadControllerIgnoresArgv(t *testing.T) {
	cfg, err := Load(RoleController, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Predict != (Endpoint{}) {
		t.Fatalf("expected zero-value Predict for Controller, got %+v", cfg.Predict)
	}
	if cfg.AlarmRingName != "/mindie_controller_alarms" {
		t.Fatalf("expected controller alarm ring name, got %q", cfg.AlarmRingName)
	}
	if cfg.HeartbeatRingName != "/smu_ctrl_heartbeat_shm" {
		t.Fatalf("expected controller heartbeat ring name, got %q", cfg.HeartbeatRingName)
	}
}

func TestLoadAppliesFileOverlayOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	body, _ := json.Marshal(map[string]any{
		"scheduler_policy":    "cache-affinity",
		"max_reqs":            99,
		"heartbeat_ring_bytes": 256,
	})
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("MINDIE_MS_COORDINATOR_CONFIG_FILE_PATH", path)

	cfg, err := Load(RoleCoordinator, []string{"coordinator", "1.1.1.1", "1", "2.2.2.2", "2"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Policy != "cache-affinity" {
		t.Fatalf("expected overlay policy, got %q", cfg.Scheduler.Policy)
	}
	if cfg.Repeater.MaxReqs != 99 {
		t.Fatalf("expected overlay MaxReqs, got %d", cfg.Repeater.MaxReqs)
	}
	if cfg.HeartbeatRingBytes != 256 {
		t.Fatalf("expected overlay HeartbeatRingBytes, got %d", cfg.HeartbeatRingBytes)
	}
	// Fields untouched by the overlay keep their defaults.
	if cfg.Scheduler.WorkerTickInterval != 50*time.Millisecond {
		t.Fatalf("expected default WorkerTickInterval preserved, got %v", cfg.Scheduler.WorkerTickInterval)
	}
}

func TestLoadMissingFileIsFatal(t *testing.T) {
	t.Setenv("MINDIE_MS_COORDINATOR_CONFIG_FILE_PATH", "/nonexistent/path.json")
	_, err := Load(RoleCoordinator, []string{"coordinator", "1.1.1.1", "1", "2.2.2.2", "2"})
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.InvalidParameter {
		t.Fatalf("expected InvalidParameter for a missing config file, got %v", err)
	}
}

func TestLoadEnvOverrideWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	body, _ := json.Marshal(map[string]any{"max_reqs": 10})
	os.WriteFile(path, body, 0o600)
	t.Setenv("MINDIE_MS_COORDINATOR_CONFIG_FILE_PATH", path)
	t.Setenv("SCHEDULER_CONCURRENCY", "500")

	cfg, err := Load(RoleCoordinator, []string{"coordinator", "1.1.1.1", "1", "2.2.2.2", "2"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Repeater.MaxReqs != 500 {
		t.Fatalf("expected env override to win, got %d", cfg.Repeater.MaxReqs)
	}
}

func TestLoadDefaultsNodeIDToHostname(t *testing.T) {
	cfg, err := Load(RoleController, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID == "" {
		t.Fatal("expected a non-empty NodeID fallback")
	}
}
