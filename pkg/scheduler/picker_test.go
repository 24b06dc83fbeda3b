package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeVideoStore struct {
	videos    []VideoModel
	active    map[uuid.UUID]*QueueItemModel
	backfills []uuid.UUID
}

func newFakeVideoStore() *fakeVideoStore {
	return &fakeVideoStore{active: make(map[uuid.UUID]*QueueItemModel)}
}

func (f *fakeVideoStore) ListUnpublishedVideos(_ context.Context, sourceAccountID uuid.UUID, limit int) ([]VideoModel, error) {
	var out []VideoModel
	for _, v := range f.videos {
		if v.SourceAccountID == sourceAccountID && !v.Published && len(out) < limit {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeVideoStore) ActiveQueueItemForVideo(_ context.Context, videoID uuid.UUID) (*QueueItemModel, error) {
	return f.active[videoID], nil
}

func (f *fakeVideoStore) MarkVideoPublished(_ context.Context, videoID uuid.UUID) error {
	f.backfills = append(f.backfills, videoID)
	for i := range f.videos {
		if f.videos[i].ID == videoID {
			f.videos[i].Published = true
		}
	}
	return nil
}

func (f *fakeVideoStore) addVideo(owner, source uuid.UUID, age time.Duration) VideoModel {
	v := VideoModel{
		ID:              uuid.New(),
		UserID:          owner,
		SourceAccountID: source,
		ScrapedAt:       time.Now().Add(-age),
	}
	f.videos = append(f.videos, v)
	return v
}

func TestPickerSelectsOldestEligible(t *testing.T) {
	store := newFakeVideoStore()
	owner := uuid.New()
	source := uuid.New()
	schedule := &ScheduleModel{ID: uuid.New(), UserID: owner, SourceAccountID: source}

	oldest := store.addVideo(owner, source, 48*time.Hour)
	store.addVideo(owner, source, 24*time.Hour)

	picker := NewPicker(store, 10, nil)
	got, err := picker.Pick(context.Background(), schedule)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got.ID != oldest.ID {
		t.Fatal("expected the oldest unpublished video")
	}
}

func TestPickerSkipsQueuedVideos(t *testing.T) {
	store := newFakeVideoStore()
	owner := uuid.New()
	source := uuid.New()
	schedule := &ScheduleModel{ID: uuid.New(), UserID: owner, SourceAccountID: source}

	queued := store.addVideo(owner, source, 48*time.Hour)
	next := store.addVideo(owner, source, 24*time.Hour)
	store.active[queued.ID] = &QueueItemModel{ID: uuid.New(), Status: QueueStatusQueued}

	picker := NewPicker(store, 10, nil)
	got, err := picker.Pick(context.Background(), schedule)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got.ID != next.ID {
		t.Fatal("queued videos must be skipped")
	}
}

func TestPickerBackfillsPublishedFlag(t *testing.T) {
	store := newFakeVideoStore()
	owner := uuid.New()
	source := uuid.New()
	schedule := &ScheduleModel{ID: uuid.New(), UserID: owner, SourceAccountID: source}

	stale := store.addVideo(owner, source, 48*time.Hour)
	next := store.addVideo(owner, source, 24*time.Hour)
	store.active[stale.ID] = &QueueItemModel{ID: uuid.New(), Status: QueueStatusPublished}

	picker := NewPicker(store, 10, nil)
	got, err := picker.Pick(context.Background(), schedule)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got.ID != next.ID {
		t.Fatal("published videos must be skipped")
	}
	if len(store.backfills) != 1 || store.backfills[0] != stale.ID {
		t.Fatal("expected the stale published flag to be backfilled")
	}
}

func TestPickerSkipsForeignVideosAsAnomaly(t *testing.T) {
	store := newFakeVideoStore()
	owner := uuid.New()
	source := uuid.New()
	schedule := &ScheduleModel{ID: uuid.New(), UserID: owner, SourceAccountID: source}

	store.addVideo(uuid.New(), source, 48*time.Hour) // foreign owner
	mine := store.addVideo(owner, source, 24*time.Hour)

	events := &capturingPublisher{}
	picker := NewPicker(store, 10, events)
	got, err := picker.Pick(context.Background(), schedule)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got.ID != mine.ID {
		t.Fatal("foreign-owned videos must never be selected")
	}
	if len(events.types) != 1 || events.types[0] != "ownership.anomaly" {
		t.Fatalf("expected a distinct ownership anomaly event, got %v", events.types)
	}
}

func TestPickerReportsNoEligibleVideo(t *testing.T) {
	store := newFakeVideoStore()
	schedule := &ScheduleModel{ID: uuid.New(), UserID: uuid.New(), SourceAccountID: uuid.New()}

	picker := NewPicker(store, 10, nil)
	if _, err := picker.Pick(context.Background(), schedule); !errors.Is(err, ErrNoEligibleVideo) {
		t.Fatalf("expected ErrNoEligibleVideo, got %v", err)
	}
}

type capturingPublisher struct {
	types []string
	data  []map[string]interface{}
}

func (c *capturingPublisher) PublishEvent(_ context.Context, eventType string, _ string, data map[string]interface{}) error {
	c.types = append(c.types, eventType)
	c.data = append(c.data, data)
	return nil
}
