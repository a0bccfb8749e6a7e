package main

import (
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Config holds every knob of the daemon. Values come from flags with
// environment-variable fallbacks, so both a shell and a unit file can
// drive it.
type Config struct {
	Addr    string `long:"addr" env:"PILOT_ADDR" default:":8080" description:"HTTP/WebSocket listen address"`
	DataDir string `long:"data-dir" env:"PILOT_DATA_DIR" default:"./data" description:"Directory for all persisted state"`

	Timezone string `long:"timezone" env:"PILOT_TZ" default:"Local" description:"Team time zone for calendar math"`
	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"logrus level"`

	PoolSize       int    `long:"pool-size" env:"POOL_SIZE" default:"2" description:"Browser pool size"`
	MasterProfile  string `long:"master-profile" env:"MASTER_PROFILE" description:"Browser profile to clone per slot; empty skips cloning"`
	BrowserCommand string `long:"browser-cmd" env:"BROWSER_CMD" default:"chromium" description:"Headless browser binary launched per pool slot"`
	ScriptCommand  string `long:"script-cmd" env:"ACCEPT_SCRIPT" description:"Automation command; <cmd> accept <url> and <cmd> status <url>"`

	Concurrency int           `long:"concurrency" env:"TASK_CONCURRENCY" default:"2" description:"Main queue concurrency"`
	TaskTimeout time.Duration `long:"task-timeout" env:"TASK_TIMEOUT" default:"10m" description:"Per-task browser automation timeout"`

	DefaultDailyCap  int           `long:"daily-cap" env:"DEFAULT_DAILY_CAP" default:"12000" description:"Default per-date word cap"`
	FailureThreshold int           `long:"failure-threshold" env:"FAILURE_THRESHOLD" default:"3" description:"Consecutive failures before paging operators"`
	SyncInterval     time.Duration `long:"sync-interval" env:"SYNC_INTERVAL" default:"5m" description:"Status sync period"`
	VerifyAfter      time.Duration `long:"verify-after" env:"VERIFY_AFTER" default:"5m" description:"Delay before post-accept verification"`

	QuotaResetHour int `long:"quota-reset-hour" env:"QUOTA_RESET_HOUR" default:"10" description:"Hour at which the daily word-quota window rolls over"`
	QuotaAlertStep int `long:"quota-alert-step" env:"QUOTA_ALERT_STEP" default:"10000" description:"Alert every time the daily quota crosses a multiple of this"`

	SheetURL   string `long:"sheet-url" env:"SHEET_URL" description:"System-of-record base URL; empty disables status updates"`
	SheetKey   string `long:"sheet-key" env:"SHEET_API_KEY" description:"System-of-record API key"`
	WebhookURL string `long:"webhook-url" env:"OPERATOR_WEBHOOK_URL" description:"Operator alert webhook; empty drops alerts"`
}

// LoadConfig parses args (without the program name).
func LoadConfig(args []string) (Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return Config{}, err
	}
	if cfg.PoolSize < 1 {
		return Config{}, fmt.Errorf("pool size must be at least 1, got %d", cfg.PoolSize)
	}
	if cfg.Concurrency < 1 {
		return Config{}, fmt.Errorf("concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	return cfg, nil
}
