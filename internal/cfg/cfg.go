package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds engine-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds           int
	ShutdownBudgetSeconds  int
	APIPort                int
	CareUnit               string
	DatabaseURL            string
	SlackWebhookURL        string
	APIToken               string
	MonitorIntervalSeconds int
	AlertWindowSeconds     int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.CareUnit, "care-unit", "ed-main", "care unit identifier shown on alerts")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for alert delivery (empty = alerts disabled)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = auth disabled)")
	fs.IntVar(&c.MonitorIntervalSeconds, "monitor-interval-seconds", 60, "escalation sweep interval in seconds (1..600)")
	fs.IntVar(&c.AlertWindowSeconds, "alert-window-seconds", 300, "alert de-duplication window in seconds (1..3600)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.CareUnit == "" {
		errs = append(errs, errors.New("CARE_UNIT is required"))
	}

	if c.MonitorIntervalSeconds <= 0 || c.MonitorIntervalSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid MONITOR_INTERVAL_SECONDS %d (must be 1..600)", c.MonitorIntervalSeconds))
	}

	if c.AlertWindowSeconds <= 0 || c.AlertWindowSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid ALERT_WINDOW_SECONDS %d (must be 1..3600)", c.AlertWindowSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
