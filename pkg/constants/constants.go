package constants

import "time"

// Conversation memory bounds
const (
	// MaxRecentGoals - completed goals kept in the conversation ring
	MaxRecentGoals = 3

	// MaxSummaryLength - characters kept in ConversationState.Summary
	MaxSummaryLength = 200

	// RelevanceHistoryTurns - turns handed to the output relevance check
	RelevanceHistoryTurns = 4

	// MaxExchangeValidationAttempts - failed order validations before handing off
	MaxExchangeValidationAttempts = 3

	// StateVersion - current ConversationState schema version
	StateVersion = 2

	// MaxToolRounds - handler round trips allowed for tool calls in one turn
	MaxToolRounds = 5

	// MaxVerificationFailures - rejected verifications per conversation or email before locking
	MaxVerificationFailures = 5

	// VerificationLockoutMinutes - how long failures are remembered after the last one
	VerificationLockoutMinutes = 15
)

// Default window configuration values
const (
	// DefaultRecencyWindowMinutes - mentions newer than this are "fresh" for presentation
	DefaultRecencyWindowMinutes = 10

	// DefaultAuthSessionMinutes - short tool-level session length
	DefaultAuthSessionMinutes = 30

	// DefaultAuthAccountWindowHours - long account verification window
	DefaultAuthAccountWindowHours = 24

	// DefaultHistoryLimit - persisted messages kept per conversation
	DefaultHistoryLimit = 50

	// DefaultConfidenceThreshold - classifications below this are unknown cases
	DefaultConfidenceThreshold = 0.6

	// DefaultMaxMessageLength - business rule limit on a single message
	DefaultMaxMessageLength = 2000
)

// Redis key prefixes and names
const (
	ConversationStateKeyPrefix = "conversation:state:"
	ConversationHistoryPrefix  = "conversation:history:"
	CustomerAuthKeyPrefix      = "auth:customer:"
	ToolSessionKeyPrefix       = "auth:session:"
	VerifyFailuresKeyPrefix    = "auth:failures:"
	HandoffEventsStream        = "handoff_events"
)

// Configuration environment variable names
const (
	EnvRedisURL                  = "REDIS_URL"
	EnvPort                      = "PORT"
	EnvLogLevel                  = "LOG_LEVEL"
	EnvAuditDBPath               = "AUDIT_DB_PATH"
	EnvAuthSessionMinutes        = "AUTH_SESSION_MINUTES"
	EnvAuthAccountWindowHours    = "AUTH_ACCOUNT_WINDOW_HOURS"
	EnvAuthDigits                = "AUTH_DIGITS"
	EnvConfidenceThreshold       = "INTENT_CONFIDENCE_THRESHOLD"
	EnvBusinessHoursTZ           = "BUSINESS_HOURS_TZ"
	EnvBusinessHoursStart        = "BUSINESS_HOURS_START"
	EnvBusinessHoursEnd          = "BUSINESS_HOURS_END"
	EnvBusinessDays              = "BUSINESS_DAYS"
	EnvHandlerURL                = "HANDLER_URL"
	EnvIdentityURL               = "IDENTITY_URL"
	EnvToolGatewayURL            = "TOOL_GATEWAY_URL"
	EnvHandoffStream             = "HANDOFF_STREAM"
	EnvRecencyWindowMinutes      = "RECENCY_WINDOW_MINUTES"
	EnvHistoryLimit              = "HISTORY_LIMIT"
	EnvMaxMessageLength          = "MAX_MESSAGE_LENGTH"
	EnvRemoteTimeoutMilliseconds = "REMOTE_TIMEOUT_MS"
)

// Helper functions for time conversions
func MinutesToDuration(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

func HoursToDuration(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}
