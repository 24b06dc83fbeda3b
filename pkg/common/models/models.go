package models

import (
	"time"

	"github.com/google/uuid"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // schedule.queued, schedule.skipped, upload.succeeded, ...
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Engine event types published to the event stream.
const (
	EventScheduleQueued      = "schedule.queued"
	EventScheduleSkipped     = "schedule.skipped"
	EventScheduleError       = "schedule.error"
	EventUploadSucceeded     = "upload.succeeded"
	EventUploadFailed        = "upload.failed"
	EventChannelStateChanged = "channel.state_changed"
	EventChannelRecovered    = "channel.recovered"
	EventOwnershipAnomaly    = "ownership.anomaly"
)

// Tick results per schedule, reported by the orchestrator.
type TickResult struct {
	ScheduleID uuid.UUID `json:"schedule_id"`
	Outcome    string    `json:"outcome"` // queued, skipped_not_time, skipped_quota, skipped_no_video, error
	Reason     string    `json:"reason,omitempty"`
	AccountID  uuid.UUID `json:"account_id,omitempty"`
	VideoID    uuid.UUID `json:"video_id,omitempty"`
	QueueItem  uuid.UUID `json:"queue_item_id,omitempty"`
}

type TickSummary struct {
	StartedAt time.Time    `json:"started_at"`
	Duration  string       `json:"duration"`
	Schedules int          `json:"schedules"`
	Queued    int          `json:"queued"`
	Skipped   int          `json:"skipped"`
	Errors    int          `json:"errors"`
	Results   []TickResult `json:"results"`
}

// Upload outcome reported back by the upload executor.
type UploadOutcomeRequest struct {
	QueueItemID uuid.UUID `json:"queue_item_id"`
	Success     bool      `json:"success"`
	ContentID   string    `json:"content_id,omitempty"`
	ContentURL  string    `json:"content_url,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	ErrorReason string    `json:"error_reason,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	HTTPStatus  int       `json:"http_status,omitempty"`
}

// Dashboard-facing channel status report.
type ChannelStatusReport struct {
	AccountID         uuid.UUID  `json:"account_id"`
	Status            string     `json:"status"`
	Severity          string     `json:"severity,omitempty"`
	Summary           string     `json:"summary"`
	PrimaryAction     string     `json:"primary_action,omitempty"`
	HelpLinks         []string   `json:"help_links,omitempty"`
	SuccessRate       float64    `json:"success_rate"`
	TotalSuccesses    int64      `json:"total_successes"`
	TotalFailures     int64      `json:"total_failures"`
	ConsecutiveFails  int        `json:"consecutive_failures"`
	CircuitState      string     `json:"circuit_state"`
	LastErrorCode     string     `json:"last_error_code,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	EstimatedRecovery *time.Time `json:"estimated_recovery,omitempty"`
	UploadsRemaining  int        `json:"uploads_remaining"`
	Paused            bool       `json:"paused"`
}

type ProbeSummary struct {
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Checked   int       `json:"checked"`
	Recovered int       `json:"recovered"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Refreshed int       `json:"refreshed"`
}
