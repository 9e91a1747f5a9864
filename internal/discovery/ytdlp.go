package discovery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/fanlive/internal/model"
)

// ParseError はyt-dlpの出力を解釈できなかった場合のエラー。
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("yt-dlp output line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// YtDlpConfig はyt-dlpクライアントの設定。
type YtDlpConfig struct {
	Binary      string        // 実行ファイルのパス
	PlaylistEnd int           // 1チャンネルあたりの取得件数上限
	Timeout     time.Duration // 1チャンネルあたりの実行タイムアウト
}

// DefaultYtDlpConfig はデフォルト設定を返す。
func DefaultYtDlpConfig() YtDlpConfig {
	return YtDlpConfig{
		Binary:      "yt-dlp",
		PlaylistEnd: 15,
		Timeout:     60 * time.Second,
	}
}

// YtDlpClient はyt-dlpをサブプロセスとして実行し、チャンネルの配信一覧を取得する。
type YtDlpClient struct {
	config YtDlpConfig
}

// NewYtDlpClient はYtDlpClientを生成する。
func NewYtDlpClient(config YtDlpConfig) *YtDlpClient {
	if strings.TrimSpace(config.Binary) == "" {
		config.Binary = "yt-dlp"
	}
	if config.PlaylistEnd <= 0 {
		config.PlaylistEnd = 15
	}
	return &YtDlpClient{config: config}
}

// ChannelStreamsURL はチャンネルハンドルから配信タブのURLを組み立てる。
// ハンドルがURLの場合はそのまま使う。
func ChannelStreamsURL(handle string) string {
	handle = strings.TrimSpace(handle)
	if strings.HasPrefix(handle, "http://") || strings.HasPrefix(handle, "https://") {
		return strings.TrimSuffix(handle, "/") + "/streams"
	}
	if !strings.HasPrefix(handle, "@") && !strings.HasPrefix(handle, "channel/") {
		handle = "@" + handle
	}
	return "https://www.youtube.com/" + handle + "/streams"
}

// DiscoverChannelStreams はチャンネルの配信一覧を取得する。
// コンテキストがキャンセルされた場合、またはタイムアウトした場合はサブプロセスを終了させる。
func (c *YtDlpClient) DiscoverChannelStreams(ctx context.Context, handle string) ([]model.DiscoveredStream, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, errors.New("yt-dlp: empty channel handle")
	}
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	sourceURL := ChannelStreamsURL(handle)
	cmd := exec.CommandContext(ctx, c.config.Binary,
		"--flat-playlist",
		"--dump-json",
		"--no-warnings",
		"--ignore-no-formats-error",
		"--playlist-end", strconv.Itoa(c.config.PlaylistEnd),
		"--", sourceURL,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("yt-dlp %s: %w", handle, ctxErr)
		}
		return nil, fmt.Errorf("yt-dlp %s: %w: %s", handle, err, strings.TrimSpace(stderr.String()))
	}

	return ParseStreams(output, sourceURL)
}

// ytDlpEntry はyt-dlpの --dump-json が1行ごとに出力するエントリ。
type ytDlpEntry struct {
	ID                  string  `json:"id"`
	Title               string  `json:"title"`
	Description         string  `json:"description"`
	URL                 string  `json:"url"`
	LiveStatus          string  `json:"live_status"`
	ReleaseTimestamp    *int64  `json:"release_timestamp"`
	Timestamp           *int64  `json:"timestamp"`
	ConcurrentViewCount *int    `json:"concurrent_view_count"`
	Thumbnails          []thumb `json:"thumbnails"`
}

type thumb struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
}

// ParseStreams はyt-dlpの出力（1行1JSON）を配信情報に変換する。
// 配信ではないエントリ（live_statusが not_live 等）は読み飛ばす。
func ParseStreams(output []byte, sourceURL string) ([]model.DiscoveredStream, error) {
	var streams []model.DiscoveredStream

	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var entry ytDlpEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, &ParseError{Line: line, Err: err}
		}
		if entry.ID == "" {
			return nil, &ParseError{Line: line, Err: errors.New("entry has no id")}
		}

		status, ok := mapLiveStatus(entry.LiveStatus)
		if !ok {
			continue
		}

		streams = append(streams, model.DiscoveredStream{
			Platform:     model.PlatformYouTube,
			ExternalID:   entry.ID,
			Title:        entry.Title,
			Description:  entry.Description,
			StreamURL:    "https://www.youtube.com/watch?v=" + entry.ID,
			SourceURL:    sourceURL,
			ThumbnailURL: bestThumbnail(entry.Thumbnails),
			Status:       status,
			ScheduledAt:  scheduledAt(entry),
			ViewerCount:  derefInt(entry.ConcurrentViewCount),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Line: line, Err: err}
	}
	return streams, nil
}

func mapLiveStatus(s string) (model.EventStatus, bool) {
	switch s {
	case "is_live":
		return model.EventStatusLive, true
	case "is_upcoming":
		return model.EventStatusScheduled, true
	case "was_live", "post_live":
		return model.EventStatusEnded, true
	default:
		return "", false
	}
}

func scheduledAt(e ytDlpEntry) *time.Time {
	ts := e.ReleaseTimestamp
	if ts == nil {
		ts = e.Timestamp
	}
	if ts == nil || *ts <= 0 {
		return nil
	}
	t := time.Unix(*ts, 0).UTC()
	return &t
}

func bestThumbnail(thumbs []thumb) string {
	best := ""
	bestHeight := -1
	for _, t := range thumbs {
		if t.URL != "" && t.Height > bestHeight {
			best, bestHeight = t.URL, t.Height
		}
	}
	return best
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// compile-time interface check
var _ StreamDiscoverer = (*YtDlpClient)(nil)
