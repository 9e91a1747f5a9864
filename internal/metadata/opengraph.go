package metadata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/hitoshi/fanlive/internal/model"
)

const defaultWatchPageURL = "https://www.youtube.com/watch?v="

// OpenGraphFetcher は動画ページのOpenGraphメタタグからメタデータを取得する。
// oEmbedが利用できない場合のフォールバックとして使う。
type OpenGraphFetcher struct {
	httpClient *http.Client
	baseURL    string // テスト用に差し替え可能
}

// NewOpenGraphFetcher はOpenGraphFetcherを生成する。
func NewOpenGraphFetcher(httpClient *http.Client) *OpenGraphFetcher {
	return &OpenGraphFetcher{httpClient: httpClient, baseURL: defaultWatchPageURL}
}

// FetchMetadata は動画ページを取得して og:title / og:image を抽出する。
// ページが存在しない場合、または og:title がない場合は nil を返す。
func (f *OpenGraphFetcher) FetchMetadata(ctx context.Context, videoID string) (*model.VideoMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+videoID, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("動画ページの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("動画ページがステータス %d を返しました", resp.StatusCode)
	}

	meta := ParseOpenGraph(io.LimitReader(resp.Body, maxResponseSize))
	if meta.Title == "" {
		return nil, nil
	}
	return meta, nil
}

// ParseOpenGraph はHTMLのheadからOpenGraphメタタグを解析する。
func ParseOpenGraph(r io.Reader) *model.VideoMetadata {
	meta := &model.VideoMetadata{}
	tokenizer := html.NewTokenizer(r)

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return meta

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)
			if tagName == "body" {
				return meta
			}
			if tagName != "meta" || !hasAttr {
				continue
			}

			var property, content string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "property", "name":
					property = strings.ToLower(string(val))
				case "content":
					content = string(val)
				}
				if !more {
					break
				}
			}

			switch property {
			case "og:title":
				meta.Title = content
			case "og:image":
				meta.ThumbnailURL = content
			case "og:site_name":
				meta.ProviderName = content
			}
		}
	}
}

var _ Fetcher = (*OpenGraphFetcher)(nil)
