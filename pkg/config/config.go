// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"conversation-router/pkg/constants"
)

type Config struct {
	RedisURL    string
	Port        string
	LogLevel    string
	AuditDBPath string

	AuthSessionMinutes     int
	AuthAccountWindowHours int
	AuthDigits             int

	ConfidenceThreshold float64

	BusinessHoursTZ    string
	BusinessHoursStart int
	BusinessHoursEnd   int
	BusinessDays       []time.Weekday

	HandlerURL      string
	IdentityURL     string
	ToolGatewayURL  string
	RemoteTimeoutMS int64
	HandoffStream   string

	RecencyWindowMinutes int
	HistoryLimit         int
	MaxMessageLength     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	config := &Config{
		RedisURL:    getEnv(constants.EnvRedisURL, "redis://localhost:6379"),
		Port:        getEnv(constants.EnvPort, "8080"),
		LogLevel:    getEnv(constants.EnvLogLevel, "info"),
		AuditDBPath: getEnv(constants.EnvAuditDBPath, "./data/audit.db"),

		AuthSessionMinutes:     getEnvInt(constants.EnvAuthSessionMinutes, constants.DefaultAuthSessionMinutes),
		AuthAccountWindowHours: getEnvInt(constants.EnvAuthAccountWindowHours, constants.DefaultAuthAccountWindowHours),
		AuthDigits:             getEnvInt(constants.EnvAuthDigits, 3),

		ConfidenceThreshold: getEnvFloat(constants.EnvConfidenceThreshold, constants.DefaultConfidenceThreshold),

		BusinessHoursTZ:    getEnv(constants.EnvBusinessHoursTZ, "America/Argentina/Buenos_Aires"),
		BusinessHoursStart: getEnvInt(constants.EnvBusinessHoursStart, 9),
		BusinessHoursEnd:   getEnvInt(constants.EnvBusinessHoursEnd, 18),
		BusinessDays:       getEnvWeekdays(constants.EnvBusinessDays, "1-5"),

		HandlerURL:      getEnv(constants.EnvHandlerURL, "http://localhost:8090"),
		IdentityURL:     getEnv(constants.EnvIdentityURL, "http://localhost:8091"),
		ToolGatewayURL:  getEnv(constants.EnvToolGatewayURL, "http://localhost:8092"),
		RemoteTimeoutMS: getEnvInt64(constants.EnvRemoteTimeoutMilliseconds, 30000),
		HandoffStream:   getEnv(constants.EnvHandoffStream, constants.HandoffEventsStream),

		RecencyWindowMinutes: getEnvInt(constants.EnvRecencyWindowMinutes, constants.DefaultRecencyWindowMinutes),
		HistoryLimit:         getEnvInt(constants.EnvHistoryLimit, constants.DefaultHistoryLimit),
		MaxMessageLength:     getEnvInt(constants.EnvMaxMessageLength, constants.DefaultMaxMessageLength),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AuditDBPath == "" {
		return fmt.Errorf("AUDIT_DB_PATH cannot be empty")
	}
	if c.AuthDigits <= 0 {
		return fmt.Errorf("AUTH_DIGITS must be > 0")
	}
	if c.AuthSessionMinutes <= 0 || c.AuthAccountWindowHours <= 0 {
		return fmt.Errorf("auth windows must be > 0")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("INTENT_CONFIDENCE_THRESHOLD must be within [0,1]")
	}
	if c.BusinessHoursStart < 0 || c.BusinessHoursEnd > 24 || c.BusinessHoursStart >= c.BusinessHoursEnd {
		return fmt.Errorf("invalid business hours window %d-%d", c.BusinessHoursStart, c.BusinessHoursEnd)
	}
	if c.HandlerURL == "" || c.IdentityURL == "" || c.ToolGatewayURL == "" {
		return fmt.Errorf("HANDLER_URL, IDENTITY_URL and TOOL_GATEWAY_URL are required")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0")
	}
	return nil
}

func (c *Config) AuthSessionDuration() time.Duration {
	return constants.MinutesToDuration(c.AuthSessionMinutes)
}

func (c *Config) AuthAccountWindow() time.Duration {
	return constants.HoursToDuration(c.AuthAccountWindowHours)
}

func (c *Config) RecencyWindow() time.Duration {
	return constants.MinutesToDuration(c.RecencyWindowMinutes)
}

func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutMS) * time.Millisecond
}

// BusinessLocation resolves the business-hours timezone, falling back to a
// fixed UTC-3 zone when the tz database lacks the name.
func (c *Config) BusinessLocation() *time.Location {
	loc, err := time.LoadLocation(c.BusinessHoursTZ)
	if err != nil {
		return time.FixedZone("UTC-3", -3*60*60)
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvWeekdays parses "1-5" or "1,2,3,6" (0 = Sunday).
func getEnvWeekdays(key, defaultValue string) []time.Weekday {
	days, err := ParseWeekdays(getEnv(key, defaultValue))
	if err != nil {
		days, _ = ParseWeekdays(defaultValue)
	}
	return days
}

// ParseWeekdays parses a weekday set expressed as ranges and/or lists.
func ParseWeekdays(spec string) ([]time.Weekday, error) {
	seen := make(map[time.Weekday]bool)
	var days []time.Weekday

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		from, to := part, part
		if idx := strings.Index(part, "-"); idx > 0 {
			from, to = part[:idx], part[idx+1:]
		}

		start, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("invalid weekday %q: %w", from, err)
		}
		end, err := strconv.Atoi(strings.TrimSpace(to))
		if err != nil {
			return nil, fmt.Errorf("invalid weekday %q: %w", to, err)
		}
		if start < 0 || end > 6 || start > end {
			return nil, fmt.Errorf("invalid weekday range %q", part)
		}

		for d := start; d <= end; d++ {
			day := time.Weekday(d)
			if !seen[day] {
				seen[day] = true
				days = append(days, day)
			}
		}
	}

	if len(days) == 0 {
		return nil, fmt.Errorf("empty weekday set")
	}
	return days, nil
}
