package config

import "fmt"

// ValidationIssue is a single problem found in the configuration.
type ValidationIssue struct {
	Field   string
	Message string
}

// ValidationResult collects errors (fatal) and warnings (non-fatal).
type ValidationResult struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// IsValid reports whether the configuration has no fatal errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) addError(field, format string, args ...interface{}) {
	r.Errors = append(r.Errors, ValidationIssue{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) addWarning(field, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, ValidationIssue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration for inconsistencies.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	gw := cfg.GetGateway()

	if gw.APIPort < 1 || gw.APIPort > 65535 {
		result.addError("api_port", "api_port %d out of range 1-65535", gw.APIPort)
	}
	if gw.LogPort < 0 || gw.LogPort > 65535 {
		result.addError("log_listen_port", "log_listen_port %d out of range 0-65535", gw.LogPort)
	}
	if gw.APIPort != 0 && gw.APIPort == gw.LogPort {
		result.addError("log_listen_port", "log_listen_port collides with api_port %d", gw.APIPort)
	}

	if gw.ConnectTimeoutSec <= 0 {
		result.addWarning("connect_timeout_sec", "connect_timeout_sec %d is not positive, using default", gw.ConnectTimeoutSec)
	}
	if gw.CommandTimeoutSec <= 0 {
		result.addWarning("command_timeout_sec", "command_timeout_sec %d is not positive, using default", gw.CommandTimeoutSec)
	}
	if gw.MaxSessions <= 0 {
		result.addWarning("max_sessions", "max_sessions %d is not positive, sessions will be unlimited", gw.MaxSessions)
	}

	for i, target := range gw.Monitor {
		if target.Host == "" {
			result.addError("monitor", "monitor[%d] has an empty host", i)
		}
		if target.Port < 1 || target.Port > 65535 {
			result.addError("monitor", "monitor[%d] port %d out of range 1-65535", i, target.Port)
		}
	}

	app := cfg.ApplicationData
	if app.MQTT.Enabled && app.MQTT.BrokerURL == "" {
		result.addError("mqtt", "mqtt is enabled but broker_url is empty")
	}
	if app.Timers.MonitorIntervalSec < 5 && len(gw.Monitor) > 0 {
		result.addWarning("timers", "monitor_interval_sec %d is very aggressive", app.Timers.MonitorIntervalSec)
	}

	return result
}
