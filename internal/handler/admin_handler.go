package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fanlive/internal/discovery"
	"github.com/hitoshi/fanlive/internal/metadata"
	"github.com/hitoshi/fanlive/internal/middleware"
	"github.com/hitoshi/fanlive/internal/model"
)

// DiscoveryRunner は配信探索を1回実行する。
type DiscoveryRunner interface {
	DiscoverAllChannels(ctx context.Context) (*discovery.Result, error)
}

// MetadataRefresher は配信イベントのメタデータ更新を実行する。
type MetadataRefresher interface {
	RefreshLiveEvents(ctx context.Context) (*metadata.RefreshResult, error)
	RefreshAllEvents(ctx context.Context) (*metadata.RefreshResult, error)
	RefreshEvent(ctx context.Context, eventID string) (bool, error)
}

// AdminHandler は管理者向けのバッチ起動ハンドラー。
// バッチは部分成功のサマリーを200で返す。
type AdminHandler struct {
	discovery DiscoveryRunner
	refresher MetadataRefresher
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(discovery DiscoveryRunner, refresher MetadataRefresher) *AdminHandler {
	return &AdminHandler{
		discovery: discovery,
		refresher: refresher,
	}
}

type refreshEventResponse struct {
	EventID string `json:"event_id"`
	Updated bool   `json:"updated"`
}

// RunDiscovery は全チャンネルの配信探索を実行する。
// POST /api/admin/discovery/run
func (h *AdminHandler) RunDiscovery(w http.ResponseWriter, r *http.Request) {
	result, err := h.discovery.DiscoverAllChannels(r.Context())
	if err != nil {
		if errors.Is(err, discovery.ErrDiscoveryInProgress) {
			middleware.WriteErrorResponse(w, http.StatusConflict, model.NewDiscoveryInProgressError())
			return
		}
		slog.Error("配信探索に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// RefreshLive はLIVE中イベントのメタデータを更新する。
// POST /api/admin/metadata/refresh-live
func (h *AdminHandler) RefreshLive(w http.ResponseWriter, r *http.Request) {
	writeRefreshResult(w, r, "live", h.refresher.RefreshLiveEvents)
}

// RefreshAll は終了していない全イベントのメタデータを更新する。
// POST /api/admin/metadata/refresh-all
func (h *AdminHandler) RefreshAll(w http.ResponseWriter, r *http.Request) {
	writeRefreshResult(w, r, "all", h.refresher.RefreshAllEvents)
}

// RefreshEvent は1件のイベントのメタデータを更新する。
// イベントが存在しない場合も updated=false で200を返す。
// POST /api/admin/events/{id}/metadata/refresh
func (h *AdminHandler) RefreshEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	if eventID == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("イベントIDが空です"))
		return
	}

	updated, err := h.refresher.RefreshEvent(r.Context(), eventID)
	if err != nil {
		slog.Warn("配信イベントのメタデータ更新に失敗しました",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewMetadataUnavailableError(eventID))
		return
	}

	writeJSON(w, http.StatusOK, refreshEventResponse{EventID: eventID, Updated: updated})
}

func writeRefreshResult(
	w http.ResponseWriter,
	r *http.Request,
	scope string,
	run func(ctx context.Context) (*metadata.RefreshResult, error),
) {
	result, err := run(r.Context())
	if err != nil {
		slog.Error("メタデータ一括更新に失敗しました",
			slog.String("scope", scope),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
