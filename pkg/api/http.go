package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/reelrelay/engine/pkg/channel"
	"github.com/reelrelay/engine/pkg/common/logger"
	"github.com/reelrelay/engine/pkg/common/models"
	"github.com/reelrelay/engine/pkg/quota"
	"github.com/reelrelay/engine/pkg/scheduler"
)

// Ticker runs one scheduling pass over all active schedules.
type Ticker interface {
	Tick(ctx context.Context) (models.TickSummary, error)
}

// ProbeRunner runs one recovery pass over unhealthy accounts.
type ProbeRunner interface {
	ProbeTick(ctx context.Context) (models.ProbeSummary, error)
}

// HealthReporter produces the dashboard-facing status report for an account.
type HealthReporter interface {
	Report(ctx context.Context, accountID uuid.UUID) (models.ChannelStatusReport, error)
}

// QuotaLedger exposes the per-account daily capacity ledger.
type QuotaLedger interface {
	Availability(ctx context.Context, accountID uuid.UUID, loc *time.Location) (quota.Availability, error)
	Pause(ctx context.Context, accountID uuid.UUID, loc *time.Location, paused bool) error
}

// AccountDirectory resolves destination accounts; satisfied by *channel.Repository.
type AccountDirectory interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*channel.AccountModel, error)
}

// OutcomeRecorder applies a reported upload outcome to its queue item.
type OutcomeRecorder interface {
	Record(ctx context.Context, req models.UploadOutcomeRequest) error
}

// StatusCache is a short-TTL cache for channel status reports. A nil cache
// disables caching.
type StatusCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string)
}

type Handler struct {
	ticker   Ticker
	prober   ProbeRunner
	health   HealthReporter
	quota    QuotaLedger
	accounts AccountDirectory
	outcomes OutcomeRecorder
	cache    StatusCache
}

func NewHandler(ticker Ticker, prober ProbeRunner, health HealthReporter, quota QuotaLedger,
	accounts AccountDirectory, outcomes OutcomeRecorder, cache StatusCache) *Handler {
	return &Handler{
		ticker:   ticker,
		prober:   prober,
		health:   health,
		quota:    quota,
		accounts: accounts,
		outcomes: outcomes,
		cache:    cache,
	}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/tick", h.handleTick).Methods(http.MethodPost)
	r.HandleFunc("/probe/tick", h.handleProbeTick).Methods(http.MethodPost)
	r.HandleFunc("/outcomes", h.handleRecordOutcome).Methods(http.MethodPost)
	r.HandleFunc("/channels/{id}/status", h.handleChannelStatus).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id}/quota", h.handleUpdateQuota).Methods(http.MethodPatch)
}

func (h *Handler) handleTick(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ticker.Tick(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("scheduling tick failed")
		http.Error(w, "tick failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": summary})
}

func (h *Handler) handleProbeTick(w http.ResponseWriter, r *http.Request) {
	summary, err := h.prober.ProbeTick(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("probe tick failed")
		http.Error(w, "probe tick failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": summary})
}

func (h *Handler) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req models.UploadOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.QueueItemID == uuid.Nil {
		http.Error(w, "queue_item_id is required", http.StatusBadRequest)
		return
	}
	if err := h.outcomes.Record(r.Context(), req); err != nil {
		if errors.Is(err, scheduler.ErrQueueItemNotFound) {
			http.Error(w, "queue item not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to record upload outcome")
		http.Error(w, "failed to record outcome", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recorded": true})
}

func (h *Handler) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}

	cacheKey := "channel_status:" + id.String()
	if h.cache != nil {
		if cached, ok := h.cache.Get(r.Context(), cacheKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(cached))
			return
		}
	}

	account, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load account")
		http.Error(w, "failed to load channel", http.StatusInternalServerError)
		return
	}
	if account == nil {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}

	report, err := h.health.Report(r.Context(), id)
	if err != nil {
		logger.Log.WithError(err).Error("failed to build channel status report")
		http.Error(w, "failed to build status report", http.StatusInternalServerError)
		return
	}

	availability, err := h.quota.Availability(r.Context(), id, account.Location())
	if err != nil {
		logger.Log.WithError(err).Error("failed to read quota availability")
		http.Error(w, "failed to read quota", http.StatusInternalServerError)
		return
	}
	report.UploadsRemaining = availability.UploadsRemaining
	report.Paused = availability.Paused

	body, err := json.Marshal(map[string]interface{}{"status": report})
	if err != nil {
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
		return
	}
	if h.cache != nil {
		h.cache.Set(r.Context(), cacheKey, string(body))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) handleUpdateQuota(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}
	var payload struct {
		Paused *bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Paused == nil {
		http.Error(w, "paused is required", http.StatusBadRequest)
		return
	}
	account, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load account")
		http.Error(w, "failed to load channel", http.StatusInternalServerError)
		return
	}
	if account == nil {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	if err := h.quota.Pause(r.Context(), id, account.Location(), *payload.Paused); err != nil {
		logger.Log.WithError(err).Error("failed to update quota pause")
		http.Error(w, "failed to update quota", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": *payload.Paused})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
