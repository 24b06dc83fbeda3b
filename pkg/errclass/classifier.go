package errclass

import (
	"fmt"
	"strings"
)

// rule is one entry in the ordered classification table. Order matters:
// earlier rules win on substring matches.
type rule struct {
	Code     string
	Category Category
	Severity Severity
	Action   Action
	Message  string
	HelpLink string
}

// Classifier maps raw upstream failures to classified errors. Classification
// is a pure function of the input signal; the classifier carries no state
// beyond its rule tables.
type Classifier struct {
	rules   []rule
	byCode  map[string]rule
	phrases []phraseRule
}

type phraseRule struct {
	phrases []string
	rule    rule
}

func New() *Classifier {
	return newWithRules(defaultRules())
}

func newWithRules(rules []rule) *Classifier {
	phrases := defaultPhrases()
	byCode := make(map[string]rule, len(rules)+len(phrases))
	for _, r := range rules {
		byCode[strings.ToLower(r.Code)] = r
	}
	for _, p := range phrases {
		if _, ok := byCode[strings.ToLower(p.rule.Code)]; !ok {
			byCode[strings.ToLower(p.rule.Code)] = p.rule
		}
	}
	return &Classifier{
		rules:   rules,
		byCode:  byCode,
		phrases: phrases,
	}
}

func defaultRules() []rule {
	return []rule{
		{Code: "invalid_grant", Category: CategoryAuth, Severity: SeverityCritical, Action: ActionUserReauth,
			Message: "The connection to this channel has expired. Please reconnect it."},
		{Code: "invalid_client", Category: CategoryConfig, Severity: SeverityCritical, Action: ActionUserConfig,
			Message: "The API credentials for this channel are invalid.",
			HelpLink: "https://developers.google.com/youtube/v3/guides/auth/server-side-web-apps"},
		{Code: "unauthorized_client", Category: CategoryAuth, Severity: SeverityHigh, Action: ActionUserReauth,
			Message: "This channel is not authorized for uploads. Please reconnect it."},
		{Code: "access_denied", Category: CategoryPermission, Severity: SeverityHigh, Action: ActionUserReauth,
			Message: "Access to this channel was denied. Please reconnect and grant upload permission."},
		{Code: "accessNotConfigured", Category: CategoryConfig, Severity: SeverityCritical, Action: ActionUserConfig,
			Message: "The upload API is not enabled for this project.",
			HelpLink: "https://console.developers.google.com/apis/library"},
		{Code: "youtubeSignupRequired", Category: CategoryConfig, Severity: SeverityHigh, Action: ActionUserConfig,
			Message: "This account has no channel to upload to. Create one first."},
		{Code: "quotaExceeded", Category: CategoryQuota, Severity: SeverityMedium, Action: ActionWaitAndRetry,
			Message: "The daily upload quota for this channel is used up. Uploads resume after the daily reset."},
		{Code: "dailyLimitExceeded", Category: CategoryQuota, Severity: SeverityMedium, Action: ActionWaitAndRetry,
			Message: "The daily upload limit for this channel was reached. Uploads resume after the daily reset."},
		{Code: "uploadLimitExceeded", Category: CategoryQuota, Severity: SeverityMedium, Action: ActionWaitAndRetry,
			Message: "This channel hit its upload limit. Uploads resume automatically later."},
		{Code: "rateLimitExceeded", Category: CategoryRateLimit, Severity: SeverityLow, Action: ActionAutoRetry,
			Message: "The platform is rate limiting requests. Retrying shortly."},
		{Code: "userRateLimitExceeded", Category: CategoryRateLimit, Severity: SeverityLow, Action: ActionAutoRetry,
			Message: "Too many requests for this channel. Retrying shortly."},
		{Code: "insufficientPermissions", Category: CategoryPermission, Severity: SeverityHigh, Action: ActionUserReauth,
			Message: "The granted permissions do not allow uploads. Please reconnect with upload access."},
		{Code: "forbidden", Category: CategoryPermission, Severity: SeverityHigh, Action: ActionUserReauth,
			Message: "The platform rejected the request for this channel."},
		{Code: "authError", Category: CategoryAuth, Severity: SeverityHigh, Action: ActionUserReauth,
			Message: "Authentication with the platform failed. Please reconnect this channel."},
		{Code: "backendError", Category: CategoryPlatformDown, Severity: SeverityMedium, Action: ActionAutoRetry,
			Message: "The platform reported an internal error. Retrying later."},
		{Code: "internalError", Category: CategoryPlatformDown, Severity: SeverityMedium, Action: ActionAutoRetry,
			Message: "The platform reported an internal error. Retrying later."},
		{Code: "serviceUnavailable", Category: CategoryPlatformDown, Severity: SeverityMedium, Action: ActionAutoRetry,
			Message: "The platform is temporarily unavailable. Retrying later."},
	}
}

func defaultPhrases() []phraseRule {
	return []phraseRule{
		{phrases: []string{"api not enabled", "has not been used in project", "it is disabled"},
			rule: rule{Code: "api_disabled", Category: CategoryConfig, Severity: SeverityCritical, Action: ActionUserConfig,
				Message:  "The upload API is not enabled for this project.",
				HelpLink: "https://console.developers.google.com/apis/library"}},
		{phrases: []string{"quota"},
			rule: rule{Code: "quota_exhausted", Category: CategoryQuota, Severity: SeverityMedium, Action: ActionWaitAndRetry,
				Message: "The daily upload quota for this channel is used up. Uploads resume after the daily reset."}},
		{phrases: []string{"rate limit", "too many requests"},
			rule: rule{Code: "rate_limited", Category: CategoryRateLimit, Severity: SeverityLow, Action: ActionAutoRetry,
				Message: "The platform is rate limiting requests. Retrying shortly."}},
		{phrases: []string{"network", "timeout", "timed out", "deadline exceeded", "connection refused", "connection reset"},
			rule: rule{Code: "network_error", Category: CategoryNetwork, Severity: SeverityLow, Action: ActionAutoRetry,
				Message: "A network problem interrupted the request. Retrying shortly."}},
	}
}

// httpStatusRule resolves a classification from an HTTP status when nothing
// else matched.
func httpStatusRule(status int) (rule, bool) {
	switch {
	case status == 400:
		return rule{Code: "bad_request", Category: CategoryConfig, Severity: SeverityHigh, Action: ActionUserConfig,
			Message: "The platform rejected the request as malformed. Check the channel configuration."}, true
	case status == 401:
		return rule{Code: "unauthorized", Category: CategoryAuth, Severity: SeverityCritical, Action: ActionUserReauth,
			Message: "The connection to this channel has expired. Please reconnect it."}, true
	case status == 403:
		return rule{Code: "forbidden", Category: CategoryPermission, Severity: SeverityHigh, Action: ActionUserReauth,
			Message: "The platform denied access for this channel."}, true
	case status == 429:
		return rule{Code: "rate_limited", Category: CategoryRateLimit, Severity: SeverityLow, Action: ActionAutoRetry,
			Message: "The platform is rate limiting requests. Retrying shortly."}, true
	case status >= 500 && status <= 599:
		return rule{Code: "platform_error", Category: CategoryPlatformDown, Severity: SeverityMedium, Action: ActionAutoRetry,
			Message: "The platform is temporarily unavailable. Retrying later."}, true
	}
	return rule{}, false
}

// Classify resolves a raw signal in strict precedence order: exact code,
// code substring in the combined message, heuristic phrases, HTTP status,
// then the unknown default.
func (c *Classifier) Classify(sig Signal) ClassifiedError {
	combined := strings.ToLower(strings.TrimSpace(sig.Message + " " + sig.Description))

	if sig.Code != "" {
		if r, ok := c.byCode[strings.ToLower(sig.Code)]; ok {
			return c.finish(r, sig)
		}
	}

	for _, r := range c.rules {
		if strings.Contains(combined, strings.ToLower(r.Code)) {
			return c.finish(r, sig)
		}
	}

	for _, pr := range c.phrases {
		for _, phrase := range pr.phrases {
			if strings.Contains(combined, phrase) {
				return c.finish(pr.rule, sig)
			}
		}
	}

	if r, ok := httpStatusRule(sig.HTTPStatus); ok {
		return c.finish(r, sig)
	}

	return c.finish(rule{
		Code:     "unknown",
		Category: CategoryUnknown,
		Severity: SeverityMedium,
		Action:   ActionContactSupport,
		Message:  "An unexpected error occurred while publishing to this channel.",
	}, sig)
}

func (c *Classifier) finish(r rule, sig Signal) ClassifiedError {
	policy := policyFor(r.Category)

	detail := sig.Message
	if sig.Description != "" {
		if detail != "" {
			detail += ": "
		}
		detail += sig.Description
	}
	if detail == "" {
		detail = r.Code
	}
	if sig.HTTPStatus != 0 {
		detail = fmt.Sprintf("%s (http %d)", detail, sig.HTTPStatus)
	}

	return ClassifiedError{
		Code:       r.Code,
		Category:   r.Category,
		Severity:   r.Severity,
		Action:     r.Action,
		Retryable:  policy.retryable,
		RetryDelay: policy.delay,
		MaxRetries: policy.maxRetries,
		Message:    r.Message,
		Detail:     detail,
		HelpLink:   r.HelpLink,
	}
}
