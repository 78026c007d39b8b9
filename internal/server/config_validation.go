// config_validation.go - Configuration validation for the upload service.
//
// Every setting is parsed and checked at startup so a misconfigured process
// fails fast with the full list of problems instead of one at a time.
package server

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ConfigValidationError represents a configuration validation error.
type ConfigValidationError struct {
	Field   string
	Message string
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// ConfigValidator collects validation errors while settings are parsed.
type ConfigValidator struct {
	errors []ConfigValidationError
}

// NewConfigValidator creates a new configuration validator.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{
		errors: make([]ConfigValidationError, 0),
	}
}

// AddError adds a validation error.
func (v *ConfigValidator) AddError(field, message string) {
	v.errors = append(v.errors, ConfigValidationError{
		Field:   field,
		Message: message,
	})
}

// HasErrors returns true if there are validation errors.
func (v *ConfigValidator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *ConfigValidator) Errors() []ConfigValidationError {
	return v.errors
}

// ErrorString returns a formatted string of all errors.
func (v *ConfigValidator) ErrorString() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n", len(v.errors)))
	for i, err := range v.errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Err returns nil when no errors were collected.
func (v *ConfigValidator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return fmt.Errorf("%s", v.ErrorString())
}

// PositiveInt parses value as an integer greater than zero.
// Returns def when value is empty.
func (v *ConfigValidator) PositiveInt(key, value string, def int) int {
	if value == "" {
		return def
	}
	num, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return def
	}
	if num <= 0 {
		v.AddError(key, "must be a positive integer")
		return def
	}
	return num
}

// NonNegativeInt parses value as an integer >= 0.
func (v *ConfigValidator) NonNegativeInt(key, value string, def int) int {
	if value == "" {
		return def
	}
	num, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return def
	}
	if num < 0 {
		v.AddError(key, "must not be negative")
		return def
	}
	return num
}

// Port parses an optional TCP port. Zero means unset.
func (v *ConfigValidator) Port(key, value string) int {
	if value == "" {
		return 0
	}
	port, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(value), ":"))
	if err != nil {
		v.AddError(key, "port must be a number")
		return 0
	}
	if port < 0 || port > 65535 {
		v.AddError(key, "port must be between 1 and 65535")
		return 0
	}
	return port
}

// PositiveDuration parses a Go duration string (e.g. "24h") that must be > 0.
func (v *ConfigValidator) PositiveDuration(key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		v.AddError(key, "must be a valid duration (e.g., 24h, 90m, 30s)")
		return def
	}
	if d <= 0 {
		v.AddError(key, "must be a positive duration")
		return def
	}
	return d
}

// Enum validates that a value is one of allowed options.
func (v *ConfigValidator) Enum(key, value string, allowed []string) {
	if value == "" {
		return
	}
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// Prefixes parses a comma separated list of CIDR ranges or bare addresses.
// A bare address becomes a single-host prefix.
func (v *ConfigValidator) Prefixes(key, value string) []netip.Prefix {
	var out []netip.Prefix
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				v.AddError(key, fmt.Sprintf("invalid CIDR %q", item))
				continue
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			v.AddError(key, fmt.Sprintf("invalid address %q", item))
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

// WritableDir creates dir if missing and proves it accepts new files.
func (v *ConfigValidator) WritableDir(key, dir string) {
	if dir == "" {
		v.AddError(key, "required setting not set")
		return
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		v.AddError(key, fmt.Sprintf("cannot create directory: %v", err))
		return
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		v.AddError(key, fmt.Sprintf("directory is not writable: %v", err))
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(filepath.Clean(name))
}
