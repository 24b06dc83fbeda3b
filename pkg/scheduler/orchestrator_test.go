package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/reelrelay/engine/pkg/channel"
	"github.com/reelrelay/engine/pkg/common/clock"
)

type fakeScheduleStore struct {
	schedules []ScheduleModel
}

func (f *fakeScheduleStore) ListActiveSchedules(_ context.Context) ([]ScheduleModel, error) {
	return f.schedules, nil
}

type fakeSelector struct {
	selection *channel.Selection
	err       error
}

func (f *fakeSelector) SelectDirect(_ context.Context, _ uuid.UUID) (*channel.Selection, error) {
	return f.selection, f.err
}

func (f *fakeSelector) SelectFromPool(_ context.Context, _, _ uuid.UUID) (*channel.Selection, error) {
	return f.selection, f.err
}

type fakePicker struct {
	video *VideoModel
	err   error
}

func (f *fakePicker) Pick(_ context.Context, _ *ScheduleModel) (*VideoModel, error) {
	return f.video, f.err
}

type fakeWriter struct {
	items []*QueueItemModel
	err   error
}

func (f *fakeWriter) Enqueue(_ context.Context, schedule *ScheduleModel, video *VideoModel, account *channel.AccountModel) (*QueueItemModel, error) {
	if f.err != nil {
		return nil, f.err
	}
	scheduleID := schedule.ID
	item := &QueueItemModel{
		ID:         uuid.New(),
		VideoID:    video.ID,
		AccountID:  account.ID,
		ScheduleID: &scheduleID,
		Status:     QueueStatusQueued,
	}
	f.items = append(f.items, item)
	return item, nil
}

func dueSchedule(times ...string) ScheduleModel {
	accountID := uuid.New()
	return ScheduleModel{
		ID:                   uuid.New(),
		UserID:               uuid.New(),
		SourceAccountID:      uuid.New(),
		DestinationAccountID: &accountID,
		PublishTimes:         times,
		Timezone:             "UTC",
		Active:               true,
	}
}

func tickAt(hour, minute int) clock.Clock {
	return clock.Fixed(time.Date(2026, 3, 2, hour, minute, 15, 0, time.UTC))
}

func TestTickQueuesDueSchedule(t *testing.T) {
	account := &channel.AccountModel{ID: uuid.New(), Connected: true}
	schedules := &fakeScheduleStore{schedules: []ScheduleModel{dueSchedule("10:00")}}
	schedules.schedules[0].DestinationAccountID = &account.ID
	account.UserID = schedules.schedules[0].UserID

	writer := &fakeWriter{}
	video := &VideoModel{ID: uuid.New(), UserID: schedules.schedules[0].UserID}
	clk := tickAt(10, 0)
	orch := NewOrchestrator(schedules, NewEvaluator(clk),
		&fakeSelector{selection: &channel.Selection{Account: account, Reason: "direct assignment"}},
		&fakePicker{video: video}, writer, nil, clk)

	summary, err := orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Queued != 1 {
		t.Fatalf("expected one queued schedule, got %+v", summary)
	}
	if len(writer.items) != 1 {
		t.Fatalf("expected one queue insert, got %d", len(writer.items))
	}
	if summary.Duration != "0s" {
		t.Fatalf("duration must come from the injected clock, got %s", summary.Duration)
	}
}

func TestTickSkipsWhenNotDue(t *testing.T) {
	schedules := &fakeScheduleStore{schedules: []ScheduleModel{dueSchedule("10:00")}}
	clk := tickAt(10, 1)
	writer := &fakeWriter{}
	orch := NewOrchestrator(schedules, NewEvaluator(clk),
		&fakeSelector{}, &fakePicker{}, writer, nil, clk)

	summary, err := orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Skipped != 1 || summary.Queued != 0 {
		t.Fatalf("expected a not-time skip, got %+v", summary)
	}
	if summary.Results[0].Outcome != OutcomeSkippedNotTime {
		t.Fatalf("expected skipped_not_time, got %s", summary.Results[0].Outcome)
	}
}

func TestTickSkipsOnQuotaUnavailable(t *testing.T) {
	schedules := &fakeScheduleStore{schedules: []ScheduleModel{dueSchedule("10:00")}}
	clk := tickAt(10, 0)
	events := &capturingPublisher{}
	orch := NewOrchestrator(schedules, NewEvaluator(clk),
		&fakeSelector{err: channel.ErrAccountUnavailable}, &fakePicker{}, &fakeWriter{}, events, clk)

	summary, err := orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Results[0].Outcome != OutcomeSkippedQuota {
		t.Fatalf("expected skipped_quota, got %s", summary.Results[0].Outcome)
	}
	if summary.Errors != 0 {
		t.Fatal("a quota skip is a steady-state outcome, not an error")
	}
	if len(events.types) != 1 || events.types[0] != "schedule.skipped" {
		t.Fatalf("expected a skip event, got %v", events.types)
	}
}

func TestTickSkipsOnNoEligibleVideo(t *testing.T) {
	account := &channel.AccountModel{ID: uuid.New(), Connected: true}
	schedules := &fakeScheduleStore{schedules: []ScheduleModel{dueSchedule("10:00")}}
	clk := tickAt(10, 0)
	orch := NewOrchestrator(schedules, NewEvaluator(clk),
		&fakeSelector{selection: &channel.Selection{Account: account}},
		&fakePicker{err: ErrNoEligibleVideo}, &fakeWriter{}, nil, clk)

	summary, err := orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Results[0].Outcome != OutcomeSkippedNoVideo {
		t.Fatalf("expected skipped_no_video, got %s", summary.Results[0].Outcome)
	}
}

func TestTickIsolatesMalformedSchedule(t *testing.T) {
	account := &channel.AccountModel{ID: uuid.New(), Connected: true}
	broken := dueSchedule("10:00")
	broken.Timezone = "Not/AZone"
	healthy := dueSchedule("10:00")

	schedules := &fakeScheduleStore{schedules: []ScheduleModel{broken, healthy}}
	clk := tickAt(10, 0)
	video := &VideoModel{ID: uuid.New(), UserID: healthy.UserID}
	orch := NewOrchestrator(schedules, NewEvaluator(clk),
		&fakeSelector{selection: &channel.Selection{Account: account}},
		&fakePicker{video: video}, &fakeWriter{}, nil, clk)

	summary, err := orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Errors != 1 {
		t.Fatalf("expected exactly one schedule error, got %+v", summary)
	}
	if summary.Queued != 1 {
		t.Fatal("the healthy schedule must still queue despite the broken one")
	}
}

func TestTickOwnershipViolationIsHardError(t *testing.T) {
	account := &channel.AccountModel{ID: uuid.New(), Connected: true}
	schedules := &fakeScheduleStore{schedules: []ScheduleModel{dueSchedule("10:00")}}
	clk := tickAt(10, 0)
	video := &VideoModel{ID: uuid.New(), UserID: uuid.New()}
	orch := NewOrchestrator(schedules, NewEvaluator(clk),
		&fakeSelector{selection: &channel.Selection{Account: account}},
		&fakePicker{video: video}, &fakeWriter{err: ErrOwnershipViolation}, nil, clk)

	summary, err := orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Results[0].Outcome != OutcomeError {
		t.Fatalf("ownership violations must surface as errors, got %s", summary.Results[0].Outcome)
	}
}

func TestTickTwiceDoesNotDuplicate(t *testing.T) {
	// Second tick in the same minute: the picker sees the queued item and
	// reports no eligible video, so no duplicate insert happens.
	owner := uuid.New()
	source := uuid.New()
	account := &channel.AccountModel{ID: uuid.New(), UserID: owner, Connected: true}

	store := newFakeVideoStore()
	video := store.addVideo(owner, source, 24*time.Hour)
	picker := NewPicker(store, 10, nil)

	schedule := dueSchedule("10:00")
	schedule.UserID = owner
	schedule.SourceAccountID = source
	schedules := &fakeScheduleStore{schedules: []ScheduleModel{schedule}}

	clk := tickAt(10, 0)
	writer := &fakeWriter{}
	orch := NewOrchestrator(schedules, NewEvaluator(clk),
		&fakeSelector{selection: &channel.Selection{Account: account}},
		picker, writer, nil, clk)

	if _, err := orch.Tick(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	// Reflect the insert in the picker's view, as the repository would.
	store.active[video.ID] = writer.items[0]

	summary, err := orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(writer.items) != 1 {
		t.Fatalf("expected exactly one queue item after two ticks, got %d", len(writer.items))
	}
	if summary.Results[0].Outcome != OutcomeSkippedNoVideo {
		t.Fatalf("expected skipped_no_video on the second tick, got %s", summary.Results[0].Outcome)
	}
}
