package metadata

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/fanlive/internal/model"
)

type mockEventUpdater struct {
	mu       sync.Mutex
	calls    []string
	updateFn func(ctx context.Context, ev *model.StreamingEvent) (bool, error)
}

func (m *mockEventUpdater) UpdateEventMetadata(ctx context.Context, ev *model.StreamingEvent) (bool, error) {
	m.mu.Lock()
	m.calls = append(m.calls, ev.ID)
	m.mu.Unlock()
	return m.updateFn(ctx, ev)
}

type mockMetrics struct {
	mu      sync.Mutex
	results map[string]int
	changes int
}

func (m *mockMetrics) IncMetadataRefresh(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[string]int)
	}
	m.results[result]++
}

func (m *mockMetrics) IncMetadataChanges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes++
}

func event(id string, status model.EventStatus) *model.StreamingEvent {
	return &model.StreamingEvent{
		ID:        id,
		Title:     "title " + id,
		StreamURL: "https://www.youtube.com/watch?v=" + id,
		Status:    status,
	}
}

func noDelay() RefreshConfig {
	return RefreshConfig{}
}

func TestRefreshAllEvents_ExcludesEnded(t *testing.T) {
	repo := newMemoryEventRepo(
		event("aaaaaaaaaaa", model.EventStatusScheduled),
		event("bbbbbbbbbbb", model.EventStatusLive),
		event("ccccccccccc", model.EventStatusEnded),
	)
	var requested []string
	fetcher := &mockFetcher{fetchFn: func(_ context.Context, videoID string) (*model.VideoMetadata, error) {
		requested = append(requested, videoID)
		return &model.VideoMetadata{Title: "fresh"}, nil
	}}
	pub := &recordingPublisher{}
	updater, _ := newUpdater(repo, fetcher, pub)

	var buf bytes.Buffer
	svc := NewRefreshService(repo, updater, newTestLogger(&buf), noDelay())
	res, err := svc.RefreshAllEvents(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Total != 2 || res.Updated != 2 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	for _, id := range requested {
		if id == "ccccccccccc" {
			t.Error("ENDEDイベントの外部ルックアップが呼ばれた")
		}
	}
	if len(pub.events) != 2 {
		t.Errorf("published = %d, want 2", len(pub.events))
	}
}

func TestRefreshLiveEvents_OnlyLive(t *testing.T) {
	repo := newMemoryEventRepo(
		event("aaaaaaaaaaa", model.EventStatusScheduled),
		event("bbbbbbbbbbb", model.EventStatusLive),
	)
	up := &mockEventUpdater{updateFn: func(context.Context, *model.StreamingEvent) (bool, error) {
		return true, nil
	}}
	var buf bytes.Buffer
	svc := NewRefreshService(repo, up, newTestLogger(&buf), noDelay())

	res, err := svc.RefreshLiveEvents(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 1 || res.Updated != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(up.calls) != 1 || up.calls[0] != "bbbbbbbbbbb" {
		t.Errorf("calls = %v", up.calls)
	}
}

func TestRefreshBatch_FailuresDoNotAbort(t *testing.T) {
	repo := newMemoryEventRepo(
		event("e1", model.EventStatusLive),
		event("e2", model.EventStatusLive),
		event("e3", model.EventStatusLive),
	)
	up := &mockEventUpdater{updateFn: func(_ context.Context, ev *model.StreamingEvent) (bool, error) {
		switch ev.ID {
		case "e1":
			return false, errors.New("oembed 503")
		case "e2":
			return false, nil
		default:
			return true, nil
		}
	}}
	metrics := &mockMetrics{}
	var buf bytes.Buffer
	svc := NewRefreshService(repo, up, newTestLogger(&buf), noDelay())
	svc.SetMetrics(metrics)

	res, err := svc.RefreshLiveEvents(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 3 || res.Updated != 1 || res.Failed != 2 {
		t.Errorf("result = %+v, want total=3 updated=1 failed=2", res)
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %v, want 1 entry", res.Errors)
	}
	if len(up.calls) != 3 {
		t.Errorf("全件処理されていない: %v", up.calls)
	}
	if metrics.results[ResultFailed] != 1 || metrics.results[ResultSkipped] != 1 || metrics.results[ResultUpdated] != 1 {
		t.Errorf("metrics = %v", metrics.results)
	}
}

func TestRefreshBatch_EarlierCommitsSurviveLaterFailure(t *testing.T) {
	repo := newMemoryEventRepo(
		event("aaaaaaaaaaa", model.EventStatusLive),
		event("bbbbbbbbbbb", model.EventStatusLive),
	)
	fetcher := &mockFetcher{fetchFn: func(_ context.Context, videoID string) (*model.VideoMetadata, error) {
		if videoID == "bbbbbbbbbbb" {
			return nil, errors.New("timeout")
		}
		return &model.VideoMetadata{Title: "fresh"}, nil
	}}
	updater, tx := newUpdater(repo, fetcher, &recordingPublisher{})
	var buf bytes.Buffer
	svc := NewRefreshService(repo, updater, newTestLogger(&buf), noDelay())

	res, err := svc.RefreshLiveEvents(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Updated != 1 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if tx.commits != 1 {
		t.Errorf("commits = %d, want 1", tx.commits)
	}
	if repo.get("aaaaaaaaaaa").Title != "fresh" {
		t.Error("成功したイベントの更新が失われた")
	}
}

func TestRefreshEvent(t *testing.T) {
	repo := newMemoryEventRepo(event("e1", model.EventStatusLive))
	up := &mockEventUpdater{updateFn: func(context.Context, *model.StreamingEvent) (bool, error) {
		return true, nil
	}}
	var buf bytes.Buffer
	svc := NewRefreshService(repo, up, newTestLogger(&buf), noDelay())

	ok, err := svc.RefreshEvent(context.Background(), "missing")
	if err != nil || ok {
		t.Errorf("missing: ok=%v err=%v, want false, nil", ok, err)
	}
	if len(up.calls) != 0 {
		t.Error("存在しないイベントで更新処理が呼ばれた")
	}

	ok, err = svc.RefreshEvent(context.Background(), "e1")
	if err != nil || !ok {
		t.Errorf("e1: ok=%v err=%v, want true, nil", ok, err)
	}
}

func TestRefreshBatch_ItemDelayThrottles(t *testing.T) {
	repo := newMemoryEventRepo(
		event("e1", model.EventStatusLive),
		event("e2", model.EventStatusLive),
		event("e3", model.EventStatusLive),
	)
	up := &mockEventUpdater{updateFn: func(context.Context, *model.StreamingEvent) (bool, error) {
		return true, nil
	}}
	var buf bytes.Buffer
	svc := NewRefreshService(repo, up, newTestLogger(&buf), RefreshConfig{ItemDelay: 30 * time.Millisecond})

	start := time.Now()
	if _, err := svc.RefreshLiveEvents(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("elapsed = %v, イベント間で待機していない", elapsed)
	}
}

func TestRefreshBatch_CancelCountsRemainingAsFailed(t *testing.T) {
	repo := newMemoryEventRepo(
		event("e1", model.EventStatusLive),
		event("e2", model.EventStatusLive),
		event("e3", model.EventStatusLive),
	)
	ctx, cancel := context.WithCancel(context.Background())
	up := &mockEventUpdater{updateFn: func(context.Context, *model.StreamingEvent) (bool, error) {
		cancel()
		return true, nil
	}}
	var buf bytes.Buffer
	svc := NewRefreshService(repo, up, newTestLogger(&buf), RefreshConfig{ItemDelay: time.Hour})

	res, err := svc.RefreshLiveEvents(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Updated != 1 || res.Failed != 2 || res.Total != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestRefreshLiveEvents_RepositoryError(t *testing.T) {
	var buf bytes.Buffer
	svc := NewRefreshService(&failingEventRepo{memoryEventRepo: newMemoryEventRepo()}, &mockEventUpdater{}, newTestLogger(&buf), noDelay())
	if _, err := svc.RefreshLiveEvents(context.Background()); err == nil {
		t.Fatal("イベント一覧の取得失敗はエラーを返すべき")
	}
}

type failingEventRepo struct {
	*memoryEventRepo
}

func (r *failingEventRepo) FindByStatus(context.Context, model.EventStatus) ([]*model.StreamingEvent, error) {
	return nil, errors.New("db down")
}
