package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/reelrelay/engine/pkg/channel"
	"github.com/reelrelay/engine/pkg/common/logger"
	"github.com/reelrelay/engine/pkg/common/models"
	"github.com/reelrelay/engine/pkg/quota"
	"github.com/reelrelay/engine/pkg/scheduler"
)

func TestMain(m *testing.M) {
	logger.Init()
	m.Run()
}

type fakeTicker struct {
	summary models.TickSummary
	err     error
}

func (f *fakeTicker) Tick(ctx context.Context) (models.TickSummary, error) {
	return f.summary, f.err
}

type fakeProber struct {
	summary models.ProbeSummary
}

func (f *fakeProber) ProbeTick(ctx context.Context) (models.ProbeSummary, error) {
	return f.summary, nil
}

type fakeReporter struct {
	report models.ChannelStatusReport
	err    error
}

func (f *fakeReporter) Report(ctx context.Context, accountID uuid.UUID) (models.ChannelStatusReport, error) {
	return f.report, f.err
}

type fakeLedger struct {
	availability quota.Availability
	paused       *bool
}

func (f *fakeLedger) Availability(ctx context.Context, accountID uuid.UUID, loc *time.Location) (quota.Availability, error) {
	return f.availability, nil
}

func (f *fakeLedger) Pause(ctx context.Context, accountID uuid.UUID, loc *time.Location, paused bool) error {
	f.paused = &paused
	return nil
}

type fakeDirectory struct {
	accounts map[uuid.UUID]*channel.AccountModel
}

// Like the real repository, a missing row is (nil, nil), not an error.
func (f *fakeDirectory) GetAccount(ctx context.Context, id uuid.UUID) (*channel.AccountModel, error) {
	return f.accounts[id], nil
}

type fakeRecorder struct {
	got *models.UploadOutcomeRequest
	err error
}

func (f *fakeRecorder) Record(ctx context.Context, req models.UploadOutcomeRequest) error {
	f.got = &req
	return f.err
}

type memCache struct {
	values map[string]string
}

func (c *memCache) Get(ctx context.Context, key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *memCache) Set(ctx context.Context, key, value string) {
	c.values[key] = value
}

func newTestRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	h.Register(r)
	return r
}

func TestHandleTick(t *testing.T) {
	ticker := &fakeTicker{summary: models.TickSummary{Schedules: 3, Queued: 2, Skipped: 1}}
	h := NewHandler(ticker, &fakeProber{}, &fakeReporter{}, &fakeLedger{}, &fakeDirectory{}, &fakeRecorder{}, nil)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tick", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Summary models.TickSummary `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Summary.Queued != 2 {
		t.Fatalf("expected 2 queued, got %d", resp.Summary.Queued)
	}
}

func TestHandleRecordOutcome(t *testing.T) {
	recorder := &fakeRecorder{}
	h := NewHandler(&fakeTicker{}, &fakeProber{}, &fakeReporter{}, &fakeLedger{}, &fakeDirectory{}, recorder, nil)
	r := newTestRouter(h)

	itemID := uuid.New()
	body, _ := json.Marshal(models.UploadOutcomeRequest{QueueItemID: itemID, Success: true, ContentID: "vid-1"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if recorder.got == nil || recorder.got.QueueItemID != itemID {
		t.Fatalf("outcome was not passed through")
	}
}

func TestHandleRecordOutcomeMissingItem(t *testing.T) {
	recorder := &fakeRecorder{err: scheduler.ErrQueueItemNotFound}
	h := NewHandler(&fakeTicker{}, &fakeProber{}, &fakeReporter{}, &fakeLedger{}, &fakeDirectory{}, recorder, nil)
	r := newTestRouter(h)

	body, _ := json.Marshal(models.UploadOutcomeRequest{QueueItemID: uuid.New()})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader(body)))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleRecordOutcomeRequiresItemID(t *testing.T) {
	h := NewHandler(&fakeTicker{}, &fakeProber{}, &fakeReporter{}, &fakeLedger{}, &fakeDirectory{}, &fakeRecorder{}, nil)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/outcomes", bytes.NewReader([]byte(`{}`))))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleChannelStatusMergesQuota(t *testing.T) {
	accountID := uuid.New()
	reporter := &fakeReporter{report: models.ChannelStatusReport{
		AccountID:    accountID,
		Status:       "healthy",
		Summary:      "Channel is operating normally.",
		CircuitState: "closed",
	}}
	ledger := &fakeLedger{availability: quota.Availability{Available: true, UploadsRemaining: 4}}
	dir := &fakeDirectory{accounts: map[uuid.UUID]*channel.AccountModel{
		accountID: {ID: accountID, Timezone: "UTC"},
	}}
	cache := &memCache{values: map[string]string{}}
	h := NewHandler(&fakeTicker{}, &fakeProber{}, reporter, ledger, dir, &fakeRecorder{}, cache)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/channels/"+accountID.String()+"/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status models.ChannelStatusReport `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status.UploadsRemaining != 4 {
		t.Fatalf("expected quota merged into report, got %d remaining", resp.Status.UploadsRemaining)
	}
	if len(cache.values) != 1 {
		t.Fatalf("expected report to be cached")
	}
}

func TestHandleChannelStatusServesFromCache(t *testing.T) {
	accountID := uuid.New()
	cached := `{"status":{"account_id":"` + accountID.String() + `","status":"healthy"}}`
	cache := &memCache{values: map[string]string{"channel_status:" + accountID.String(): cached}}
	// Reporter would fail if reached; the cache must short-circuit it.
	reporter := &fakeReporter{err: context.DeadlineExceeded}
	h := NewHandler(&fakeTicker{}, &fakeProber{}, reporter, &fakeLedger{}, &fakeDirectory{}, &fakeRecorder{}, cache)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/channels/"+accountID.String()+"/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != cached {
		t.Fatalf("expected cached body, got %s", rec.Body.String())
	}
}

func TestHandleChannelStatusUnknownAccount(t *testing.T) {
	h := NewHandler(&fakeTicker{}, &fakeProber{}, &fakeReporter{}, &fakeLedger{}, &fakeDirectory{}, &fakeRecorder{}, nil)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/channels/"+uuid.NewString()+"/status", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleUpdateQuotaUnknownAccount(t *testing.T) {
	ledger := &fakeLedger{}
	h := NewHandler(&fakeTicker{}, &fakeProber{}, &fakeReporter{}, ledger, &fakeDirectory{}, &fakeRecorder{}, nil)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/channels/"+uuid.NewString()+"/quota",
		bytes.NewReader([]byte(`{"paused":true}`))))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if ledger.paused != nil {
		t.Fatalf("pause must not reach the ledger for an unknown account")
	}
}

func TestHandleUpdateQuotaPause(t *testing.T) {
	accountID := uuid.New()
	ledger := &fakeLedger{}
	dir := &fakeDirectory{accounts: map[uuid.UUID]*channel.AccountModel{
		accountID: {ID: accountID, Timezone: "America/New_York"},
	}}
	h := NewHandler(&fakeTicker{}, &fakeProber{}, &fakeReporter{}, ledger, dir, &fakeRecorder{}, nil)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/channels/"+accountID.String()+"/quota",
		bytes.NewReader([]byte(`{"paused":true}`))))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ledger.paused == nil || !*ledger.paused {
		t.Fatalf("expected pause to reach the ledger")
	}
}
