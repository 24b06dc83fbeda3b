package errclass

import "time"

type Category string

const (
	CategoryAuth         Category = "AUTH"
	CategoryQuota        Category = "QUOTA"
	CategoryConfig       Category = "CONFIG"
	CategoryPermission   Category = "PERMISSION"
	CategoryRateLimit    Category = "RATE_LIMIT"
	CategoryPlatformDown Category = "PLATFORM_DOWN"
	CategoryNetwork      Category = "NETWORK"
	CategoryUnknown      Category = "UNKNOWN"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Action string

const (
	ActionAutoRetry      Action = "AUTO_RETRY"
	ActionUserReauth     Action = "USER_REAUTH"
	ActionUserConfig     Action = "USER_CONFIG"
	ActionContactSupport Action = "CONTACT_SUPPORT"
	ActionWaitAndRetry   Action = "WAIT_AND_RETRY"
)

// Signal is the raw failure reported by an upstream call or the upload
// executor before classification.
type Signal struct {
	Code        string
	Message     string
	Description string
	HTTPStatus  int
}

// ClassifiedError is the structured outcome of classifying a Signal. It is a
// value object and is never persisted as-is.
type ClassifiedError struct {
	Code       string        `json:"code"`
	Category   Category      `json:"category"`
	Severity   Severity      `json:"severity"`
	Action     Action        `json:"action"`
	Retryable  bool          `json:"retryable"`
	RetryDelay time.Duration `json:"retry_delay"`
	MaxRetries int           `json:"max_retries"`
	Message    string        `json:"message"` // plain-language summary
	Detail     string        `json:"detail"`  // technical detail for diagnostics
	HelpLink   string        `json:"help_link,omitempty"`
}

// retryPolicy is fixed per category so a retry-count decision and a
// circuit-breaker decision always agree with the same classification.
type retryPolicy struct {
	retryable  bool
	delay      time.Duration
	maxRetries int
}

func policyFor(cat Category) retryPolicy {
	switch cat {
	case CategoryQuota:
		// Quota recovers at the provider's daily reset; wait long.
		return retryPolicy{retryable: true, delay: 6 * time.Hour, maxRetries: 4}
	case CategoryRateLimit:
		return retryPolicy{retryable: true, delay: 15 * time.Minute, maxRetries: 5}
	case CategoryPlatformDown:
		return retryPolicy{retryable: true, delay: 30 * time.Minute, maxRetries: 3}
	case CategoryNetwork:
		return retryPolicy{retryable: true, delay: 5 * time.Minute, maxRetries: 5}
	default:
		// AUTH, CONFIG, PERMISSION and UNKNOWN need a human.
		return retryPolicy{retryable: false, delay: 0, maxRetries: 0}
	}
}
