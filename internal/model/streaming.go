package model

import "time"

// Platform は配信プラットフォームを表す。
type Platform string

const (
	// PlatformYouTube はYouTube。
	PlatformYouTube Platform = "youtube"
)

// EventStatus は配信イベントの状態を表す。
type EventStatus string

const (
	EventStatusScheduled EventStatus = "SCHEDULED"
	EventStatusLive      EventStatus = "LIVE"
	EventStatusEnded     EventStatus = "ENDED"
)

// Rank は状態遷移の順序を返す。SCHEDULED < LIVE < ENDED。
// 未知の値は0を返す。
func (s EventStatus) Rank() int {
	switch s {
	case EventStatusScheduled:
		return 1
	case EventStatusLive:
		return 2
	case EventStatusEnded:
		return 3
	default:
		return 0
	}
}

// Valid は既知の状態値かどうかを返す。
func (s EventStatus) Valid() bool {
	return s.Rank() > 0
}

// ArtistChannel はアーティストの配信チャンネルを表す。
type ArtistChannel struct {
	ID            string
	ArtistID      string
	Platform      Platform
	ChannelHandle string
	IsActive      bool
	LastCrawledAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StreamingEvent はライブ配信イベントを表す。
// ExternalID と Platform はレガシー行では空の場合がある。
type StreamingEvent struct {
	ID           string
	Title        string
	Description  string
	Platform     Platform
	ExternalID   string
	StreamURL    string
	SourceURL    string
	ThumbnailURL string
	ArtistID     string
	ScheduledAt  *time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	Status       EventStatus
	ViewerCount  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DiscoveredStream は外部ソースから発見された未保存の配信情報を表す。
type DiscoveredStream struct {
	Platform     Platform
	ExternalID   string
	Title        string
	Description  string
	StreamURL    string
	SourceURL    string
	ThumbnailURL string
	Status       EventStatus
	ScheduledAt  *time.Time
	ViewerCount  int
}

// VideoMetadata はoEmbed等の外部ルックアップから取得した表示用メタデータ。
type VideoMetadata struct {
	Title        string
	ThumbnailURL string
	AuthorName   string
	ProviderName string
}

// MetadataChanged は配信イベントのタイトル・サムネイル変更を通知するドメインイベント。
type MetadataChanged struct {
	EventID          string    `json:"event_id"`
	OldTitle         string    `json:"old_title"`
	NewTitle         string    `json:"new_title"`
	OldThumbnailURL  string    `json:"old_thumbnail_url"`
	NewThumbnailURL  string    `json:"new_thumbnail_url"`
	TitleChanged     bool      `json:"title_changed"`
	ThumbnailChanged bool      `json:"thumbnail_changed"`
	OccurredAt       time.Time `json:"occurred_at"`
}
