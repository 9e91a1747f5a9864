package model

import "time"

// NewsSource はアーティスト関連ニュースのRSS/Atom配信元を表す。
type NewsSource struct {
	ID                string
	ArtistID          string
	FeedURL           string
	Title             string
	ETag              string
	LastModified      string
	FetchStatus       FetchStatus
	ConsecutiveErrors int
	ErrorMessage      string
	NextFetchAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FetchStatus はニュースソースのフェッチ状態を表す。
type FetchStatus string

const (
	// FetchStatusActive はアクティブなフェッチ状態。
	FetchStatusActive FetchStatus = "active"
	// FetchStatusStopped は停止されたフェッチ状態。
	FetchStatusStopped FetchStatus = "stopped"
	// FetchStatusError はエラーによるフェッチ停止状態。
	FetchStatusError FetchStatus = "error"
)

// NewsArticle はニュースソースから取得した記事を表す。
type NewsArticle struct {
	ID          string
	SourceID    string
	GuidOrID    string
	Title       string
	Link        string
	Content     string // サニタイズ済みHTML
	Summary     string // サニタイズ済み
	Author      string
	PublishedAt *time.Time
	FetchedAt   time.Time
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ParsedArticle はフィードパーサーから取得した未保存の記事データ。
type ParsedArticle struct {
	GuidOrID    string
	Title       string
	Link        string
	Content     string // 未サニタイズのHTML
	Summary     string // 未サニタイズ
	Author      string
	PublishedAt *time.Time
}
