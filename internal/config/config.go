// Package config loads the small set of knobs spec.md §6 calls out — argv
// for the Coordinator's predict/manage endpoints, a JSON overlay file whose
// path comes from an environment variable, and a handful of env-var
// overrides — into the Config structs each component's own New/DefaultConfig
// already accepts. Grounded on the teacher's main.go, which does the same
// thing inline with os.Getenv and fmt.Sscanf rather than a config framework;
// this package only centralizes that pattern so cmd/controller and
// cmd/coordinator share one loader.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/inferfleet/clusterctl/internal/errs"
	"github.com/inferfleet/clusterctl/internal/reqmanager"
	"github.com/inferfleet/clusterctl/internal/repeater"
	"github.com/inferfleet/clusterctl/internal/scheduler"
	"github.com/inferfleet/clusterctl/internal/statusupdater"
)

// Role distinguishes the two processes spec.md describes, each with its own
// argv shape and config-file env var.
type Role int

const (
	RoleCoordinator Role = iota
	RoleController
)

func (r Role) configEnvVar() string {
	if r == RoleController {
		return "MINDIE_MS_CONTROLLER_CONFIG_FILE_PATH"
	}
	return "MINDIE_MS_COORDINATOR_CONFIG_FILE_PATH"
}

// Endpoint is a validated IP:port pair.
type Endpoint struct {
	IP   string
	Port int
}

// Config aggregates every sub-component's tunable settings. JSON-overlay
// fields use pointers so an absent key in the file leaves the built-in
// default untouched; argv fields are plain values since argv is mandatory.
type Config struct {
	Role Role

	// Coordinator argv[1..4]: predict_ip predict_port manage_ip manage_port.
	Predict Endpoint
	Manage  Endpoint

	NodeID     string
	ResourceID string

	DatabaseURL string
	RedisAddr   string

	Scheduler     scheduler.Config
	Repeater      repeater.Config
	StatusUpdater statusupdater.Config
	ReqTimeouts   reqmanager.Timeouts
	MaxRetry      int

	AlarmRingName      string
	AlarmRingBytes     uint32
	HeartbeatRingName  string
	HeartbeatRingBytes uint32

	// ListenAddr is the process's own HTTP bind address — command-line
	// entry points are an explicit external collaborator per spec.md §1,
	// so this has no argv/spec-mandated shape of its own; it follows the
	// teacher's hardcoded-then-overridable ":8080" pattern instead.
	ListenAddr string
}

// overlay is the JSON shape of the optional config file: every field
// optional, overriding Config's built-in defaults field-by-field.
type overlay struct {
	NodeID     *string `json:"node_id"`
	ResourceID *string `json:"resource_id"`

	DatabaseURL *string `json:"database_url"`
	RedisAddr   *string `json:"redis_addr"`

	SchedulerPolicy      *string `json:"scheduler_policy"`
	ScheduleTimeoutMS    *int    `json:"schedule_timeout_ms"`
	QueueAlarmDepth      *int    `json:"queue_alarm_depth"`
	WorkerTickIntervalMS *int    `json:"worker_tick_interval_ms"`

	MaxReqs           *int     `json:"max_reqs"`
	SingleNodeMaxReqs *int     `json:"single_node_max_reqs"`
	AlarmThreshold    *float64 `json:"alarm_threshold"`
	ClearThreshold    *float64 `json:"clear_threshold"`
	HTTPTimeoutS      *int     `json:"http_timeout_s"`
	HTTPRetries       *int     `json:"http_retries"`

	PollIntervalMS *int  `json:"poll_interval_ms"`
	PushIntervalMS *int  `json:"push_interval_ms"`
	MultiNode      *bool `json:"multi_node"`

	ScheduleTimeoutSReq *int `json:"req_schedule_timeout_s"`
	FirstTokenTimeoutS  *int `json:"first_token_timeout_s"`
	InferTimeoutS       *int `json:"infer_timeout_s"`
	TokenizerTimeoutS   *int `json:"tokenizer_timeout_s"`
	MaxRetry            *int `json:"max_retry"`

	AlarmRingName      *string `json:"alarm_ring_name"`
	AlarmRingBytes     *uint32 `json:"alarm_ring_bytes"`
	HeartbeatRingName  *string `json:"heartbeat_ring_name"`
	HeartbeatRingBytes *uint32 `json:"heartbeat_ring_bytes"`
}

// Default returns the built-in defaults for role, before any argv/env/file
// overlay is applied.
func Default(role Role) Config {
	return Config{
		Role:               role,
		Scheduler:          scheduler.DefaultConfig(),
		Repeater:           repeater.DefaultConfig(),
		StatusUpdater:      statusupdater.Config{PollInterval: 2 * time.Second, PushInterval: 2 * time.Second, MultiNode: true},
		ReqTimeouts:        reqmanager.Timeouts{Schedule: 10 * time.Second, FirstToken: 30 * time.Second, Infer: 10 * time.Minute, Tokenizer: 10 * time.Second},
		MaxRetry:           2,
		RedisAddr:          "localhost:6379",
		AlarmRingName:      alarmRingName(role),
		AlarmRingBytes:     10 << 20,
		HeartbeatRingName:  heartbeatRingName(role),
		HeartbeatRingBytes: 128,
		ListenAddr:         listenAddr(role),
	}
}

func alarmRingName(role Role) string {
	if role == RoleController {
		return "/mindie_controller_alarms"
	}
	return "/mindie_coordinator_alarms"
}

func heartbeatRingName(role Role) string {
	if role == RoleController {
		return "/smu_ctrl_heartbeat_shm"
	}
	return "/smu_coord_heartbeat_shm"
}

func listenAddr(role Role) string {
	if role == RoleController {
		return ":9090"
	}
	return ":8080"
}

// Load builds a Config for role from argv (Coordinator only — argv is
// ignored for RoleController, per spec.md §6), the config file named by
// the role's env var, and finally a small set of direct env var overrides,
// applied in that ascending-priority order. Every validation failure here is
// a boundary error (spec.md §7's "Boundary validators... return 4xx to the
// caller directly") surfaced as *errs.Error with Kind InvalidParameter —
// the caller (cmd/coordinator's main) treats any non-nil error as fatal
// init and exits nonzero, per spec.md §6's exit-code policy.
func Load(role Role, argv []string) (*Config, error) {
	cfg := Default(role)

	if role == RoleCoordinator {
		ep1, ep2, err := parseArgv(argv)
		if err != nil {
			return nil, err
		}
		cfg.Predict = ep1
		cfg.Manage = ep2
	}

	if path := os.Getenv(role.configEnvVar()); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = host
	}
	if cfg.ResourceID == "" {
		cfg.ResourceID = "cluster-leader"
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	return &cfg, nil
}

// parseArgv validates argv[1..4] = predict_ip predict_port manage_ip
// manage_port, per spec.md §6.
func parseArgv(argv []string) (predict, manage Endpoint, err error) {
	if len(argv) < 5 {
		return Endpoint{}, Endpoint{}, errs.New(errs.InvalidParameter,
			fmt.Sprintf("expected argv[1..4] = predict_ip predict_port manage_ip manage_port, got %d args", len(argv)-1))
	}
	predictIP, predictPortS, manageIP, managePortS := argv[1], argv[2], argv[3], argv[4]

	predictPort, err2 := strconv.Atoi(predictPortS)
	if err2 != nil {
		return Endpoint{}, Endpoint{}, errs.Wrap(errs.InvalidParameter, "predict_port must be numeric", err2)
	}
	managePort, err2 := strconv.Atoi(managePortS)
	if err2 != nil {
		return Endpoint{}, Endpoint{}, errs.Wrap(errs.InvalidParameter, "manage_port must be numeric", err2)
	}
	if predictIP == "" || manageIP == "" {
		return Endpoint{}, Endpoint{}, errs.New(errs.InvalidParameter, "predict_ip and manage_ip must be non-empty")
	}
	if !validPort(predictPort) || !validPort(managePort) {
		return Endpoint{}, Endpoint{}, errs.New(errs.InvalidParameter, "predict_port and manage_port must be in 1..65535")
	}

	return Endpoint{IP: predictIP, Port: predictPort}, Endpoint{IP: manageIP, Port: managePort}, nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// applyFile unmarshals the JSON overlay at path over cfg's built-in
// defaults. A missing or malformed file is a fatal init error (boundary
// validation, per spec.md §7), not a silently-ignored one — an operator who
// set the env var meant for the file to be read.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.InvalidParameter, "read config file", err)
	}
	var o overlay
	if err := json.Unmarshal(data, &o); err != nil {
		return errs.Wrap(errs.InvalidParameter, "parse config file", err)
	}
	applyOverlay(cfg, &o)
	return nil
}

func applyOverlay(cfg *Config, o *overlay) {
	if o.NodeID != nil {
		cfg.NodeID = *o.NodeID
	}
	if o.ResourceID != nil {
		cfg.ResourceID = *o.ResourceID
	}
	if o.DatabaseURL != nil {
		cfg.DatabaseURL = *o.DatabaseURL
	}
	if o.RedisAddr != nil {
		cfg.RedisAddr = *o.RedisAddr
	}
	if o.SchedulerPolicy != nil {
		cfg.Scheduler.Policy = *o.SchedulerPolicy
	}
	if o.ScheduleTimeoutMS != nil {
		cfg.Scheduler.ScheduleTimeout = time.Duration(*o.ScheduleTimeoutMS) * time.Millisecond
	}
	if o.QueueAlarmDepth != nil {
		cfg.Scheduler.QueueAlarmDepth = *o.QueueAlarmDepth
	}
	if o.WorkerTickIntervalMS != nil {
		cfg.Scheduler.WorkerTickInterval = time.Duration(*o.WorkerTickIntervalMS) * time.Millisecond
	}
	if o.MaxReqs != nil {
		cfg.Repeater.MaxReqs = *o.MaxReqs
	}
	if o.SingleNodeMaxReqs != nil {
		cfg.Repeater.SingleNodeMaxReqs = *o.SingleNodeMaxReqs
	}
	if o.AlarmThreshold != nil {
		cfg.Repeater.AlarmThreshold = *o.AlarmThreshold
	}
	if o.ClearThreshold != nil {
		cfg.Repeater.ClearThreshold = *o.ClearThreshold
	}
	if o.HTTPTimeoutS != nil {
		cfg.Repeater.HTTPTimeoutS = *o.HTTPTimeoutS
	}
	if o.HTTPRetries != nil {
		cfg.Repeater.HTTPRetries = *o.HTTPRetries
	}
	if o.PollIntervalMS != nil {
		cfg.StatusUpdater.PollInterval = time.Duration(*o.PollIntervalMS) * time.Millisecond
	}
	if o.PushIntervalMS != nil {
		cfg.StatusUpdater.PushInterval = time.Duration(*o.PushIntervalMS) * time.Millisecond
	}
	if o.MultiNode != nil {
		cfg.StatusUpdater.MultiNode = *o.MultiNode
	}
	if o.ScheduleTimeoutSReq != nil {
		cfg.ReqTimeouts.Schedule = time.Duration(*o.ScheduleTimeoutSReq) * time.Second
	}
	if o.FirstTokenTimeoutS != nil {
		cfg.ReqTimeouts.FirstToken = time.Duration(*o.FirstTokenTimeoutS) * time.Second
	}
	if o.InferTimeoutS != nil {
		cfg.ReqTimeouts.Infer = time.Duration(*o.InferTimeoutS) * time.Second
	}
	if o.TokenizerTimeoutS != nil {
		cfg.ReqTimeouts.Tokenizer = time.Duration(*o.TokenizerTimeoutS) * time.Second
	}
	if o.MaxRetry != nil {
		cfg.MaxRetry = *o.MaxRetry
	}
	if o.AlarmRingName != nil {
		cfg.AlarmRingName = *o.AlarmRingName
	}
	if o.AlarmRingBytes != nil {
		cfg.AlarmRingBytes = *o.AlarmRingBytes
	}
	if o.HeartbeatRingName != nil {
		cfg.HeartbeatRingName = *o.HeartbeatRingName
	}
	if o.HeartbeatRingBytes != nil {
		cfg.HeartbeatRingBytes = *o.HeartbeatRingBytes
	}
}

// applyEnv mirrors the teacher's main.go: a short list of direct env var
// overrides, applied last so they win over both defaults and the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SCHEDULER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Repeater.MaxReqs = n
		}
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
}
