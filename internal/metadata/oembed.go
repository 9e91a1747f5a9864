// Package metadata は配信イベントの表示用メタデータ（タイトル・サムネイル）の再取得と更新を提供する。
// 外部ルックアップ（oEmbed / OpenGraph）、イベント単位のトランザクション更新、バッチ処理を含む。
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/fanlive/internal/model"
)

const (
	// defaultOEmbedEndpoint はYouTubeのoEmbedエンドポイント。
	defaultOEmbedEndpoint = "https://www.youtube.com/oembed"
	// maxResponseSize は外部ルックアップのレスポンスサイズ上限。
	maxResponseSize = 1 << 20
	userAgent       = "FanLive/1.0 Metadata Refresher"
)

// Fetcher は動画IDからメタデータを取得する外部ルックアップのインターフェース。
// 該当する動画がない場合は nil, nil を返す。
type Fetcher interface {
	FetchMetadata(ctx context.Context, videoID string) (*model.VideoMetadata, error)
}

// OEmbedClient はoEmbedエンドポイントからメタデータを取得する。
type OEmbedClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewOEmbedClient はOEmbedClientを生成する。
func NewOEmbedClient(httpClient *http.Client, logger *slog.Logger) *OEmbedClient {
	return &OEmbedClient{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   defaultOEmbedEndpoint,
	}
}

type oembedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ProviderName string `json:"provider_name"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// FetchMetadata はoEmbedで動画のメタデータを取得する。
// 401/403/404 は非公開・削除済みの動画として nil を返す。その他の非200はエラーとする。
func (c *OEmbedClient) FetchMetadata(ctx context.Context, videoID string) (*model.VideoMetadata, error) {
	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("url", "https://www.youtube.com/watch?v="+videoID)
	q.Set("format", "json")
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oEmbedの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		c.logger.Info("oEmbedでメタデータが見つかりません",
			slog.String("video_id", videoID),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, nil
	default:
		return nil, fmt.Errorf("oEmbedがステータス %d を返しました", resp.StatusCode)
	}

	var body oembedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return nil, fmt.Errorf("oEmbedレスポンスのパースに失敗しました: %w", err)
	}

	return &model.VideoMetadata{
		Title:        body.Title,
		ThumbnailURL: body.ThumbnailURL,
		AuthorName:   body.AuthorName,
		ProviderName: body.ProviderName,
	}, nil
}

var _ Fetcher = (*OEmbedClient)(nil)
