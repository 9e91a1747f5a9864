package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fanlive/internal/discovery"
	"github.com/hitoshi/fanlive/internal/metadata"
	"github.com/hitoshi/fanlive/internal/model"
)

type mockDiscoveryRunner struct {
	discoverFn func(ctx context.Context) (*discovery.Result, error)
}

func (m *mockDiscoveryRunner) DiscoverAllChannels(ctx context.Context) (*discovery.Result, error) {
	return m.discoverFn(ctx)
}

type mockRefresher struct {
	liveFn  func(ctx context.Context) (*metadata.RefreshResult, error)
	allFn   func(ctx context.Context) (*metadata.RefreshResult, error)
	eventFn func(ctx context.Context, id string) (bool, error)
}

func (m *mockRefresher) RefreshLiveEvents(ctx context.Context) (*metadata.RefreshResult, error) {
	return m.liveFn(ctx)
}

func (m *mockRefresher) RefreshAllEvents(ctx context.Context) (*metadata.RefreshResult, error) {
	return m.allFn(ctx)
}

func (m *mockRefresher) RefreshEvent(ctx context.Context, id string) (bool, error) {
	return m.eventFn(ctx, id)
}

func TestAdminHandler_RunDiscovery_ReturnsPartialSummary(t *testing.T) {
	h := NewAdminHandler(&mockDiscoveryRunner{
		discoverFn: func(context.Context) (*discovery.Result, error) {
			return &discovery.Result{Total: 2, Upserted: 2, Errors: []string{"channel b: boom"}}, nil
		},
	}, nil)

	w := httptest.NewRecorder()
	h.RunDiscovery(w, httptest.NewRequest(http.MethodPost, "/api/admin/discovery/run", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body discovery.Result
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Total != 2 || body.Upserted != 2 || len(body.Errors) != 1 {
		t.Errorf("unexpected result: %+v", body)
	}
}

func TestAdminHandler_RunDiscovery_InProgress_Returns409(t *testing.T) {
	h := NewAdminHandler(&mockDiscoveryRunner{
		discoverFn: func(context.Context) (*discovery.Result, error) {
			return nil, fmt.Errorf("wrap: %w", discovery.ErrDiscoveryInProgress)
		},
	}, nil)

	w := httptest.NewRecorder()
	h.RunDiscovery(w, httptest.NewRequest(http.MethodPost, "/api/admin/discovery/run", nil))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeDiscoveryInProgress {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeDiscoveryInProgress)
	}
}

func TestAdminHandler_RunDiscovery_Failure_Returns500(t *testing.T) {
	h := NewAdminHandler(&mockDiscoveryRunner{
		discoverFn: func(context.Context) (*discovery.Result, error) {
			return nil, errors.New("db down")
		},
	}, nil)

	w := httptest.NewRecorder()
	h.RunDiscovery(w, httptest.NewRequest(http.MethodPost, "/api/admin/discovery/run", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestAdminHandler_RefreshBatches(t *testing.T) {
	refresher := &mockRefresher{
		liveFn: func(context.Context) (*metadata.RefreshResult, error) {
			return &metadata.RefreshResult{Total: 1, Updated: 1, Errors: []string{}}, nil
		},
		allFn: func(context.Context) (*metadata.RefreshResult, error) {
			return &metadata.RefreshResult{Total: 3, Updated: 2, Failed: 1, Errors: []string{"event e3: boom"}}, nil
		},
	}
	h := NewAdminHandler(nil, refresher)

	tests := []struct {
		name   string
		handle http.HandlerFunc
		want   metadata.RefreshResult
	}{
		{"live", h.RefreshLive, metadata.RefreshResult{Total: 1, Updated: 1}},
		{"all", h.RefreshAll, metadata.RefreshResult{Total: 3, Updated: 2, Failed: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handle(w, httptest.NewRequest(http.MethodPost, "/", nil))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			var body metadata.RefreshResult
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Total != tt.want.Total || body.Updated != tt.want.Updated || body.Failed != tt.want.Failed {
				t.Errorf("result = %+v, want %+v", body, tt.want)
			}
		})
	}
}

func TestAdminHandler_RefreshEvent(t *testing.T) {
	tests := []struct {
		name        string
		updated     bool
		err         error
		wantStatus  int
		wantUpdated bool
	}{
		{"updated", true, nil, http.StatusOK, true},
		{"not found or unchanged", false, nil, http.StatusOK, false},
		{"lookup failure", false, errors.New("oembed: 500"), http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID string
			h := NewAdminHandler(nil, &mockRefresher{
				eventFn: func(_ context.Context, id string) (bool, error) {
					gotID = id
					return tt.updated, tt.err
				},
			})

			r := chi.NewRouter()
			r.Post("/api/admin/events/{id}/metadata/refresh", h.RefreshEvent)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/admin/events/ev-1/metadata/refresh", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotID != "ev-1" {
				t.Errorf("event id = %q, want %q", gotID, "ev-1")
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body refreshEventResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Updated != tt.wantUpdated {
				t.Errorf("updated = %v, want %v", body.Updated, tt.wantUpdated)
			}
		})
	}
}
