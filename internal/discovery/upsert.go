package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fanlive/internal/model"
	"github.com/hitoshi/fanlive/internal/repository"
	"github.com/hitoshi/fanlive/internal/security"
)

// UpsertResult は1件のUPSERT結果を表す。
type UpsertResult struct {
	Event   *model.StreamingEvent
	Created bool
}

// EventUpserter は発見した配信を配信イベントとしてUPSERTする。
//
// 同一性判定の優先順位:
//  1. (platform, external_id)
//  2. stream_url の完全一致（external_id を持たないレガシー行の互換用）
//  3. いずれにも一致しなければ新規作成
type EventUpserter struct {
	repo      repository.StreamingEventRepository
	sanitizer *security.Sanitizer
	now       func() time.Time
}

// NewEventUpserter はEventUpserterを生成する。
func NewEventUpserter(repo repository.StreamingEventRepository, sanitizer *security.Sanitizer) *EventUpserter {
	return &EventUpserter{
		repo:      repo,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// Upsert は発見した配信を保存する。artistID はチャンネルの所有アーティスト。
func (u *EventUpserter) Upsert(ctx context.Context, artistID string, stream model.DiscoveredStream) (*UpsertResult, error) {
	existing, err := u.findExisting(ctx, stream)
	if err != nil {
		return nil, err
	}

	stream.Title = u.sanitizer.Text(stream.Title)
	stream.Description = u.sanitizer.Text(stream.Description)

	created := existing == nil
	if created {
		existing = &model.StreamingEvent{
			ID:       uuid.New().String(),
			ArtistID: artistID,
		}
	} else if existing.ArtistID == "" {
		existing.ArtistID = artistID
	}

	MergeDiscovered(existing, stream, u.now())

	if err := u.repo.Save(ctx, existing); err != nil {
		return nil, err
	}
	return &UpsertResult{Event: existing, Created: created}, nil
}

func (u *EventUpserter) findExisting(ctx context.Context, stream model.DiscoveredStream) (*model.StreamingEvent, error) {
	if stream.ExternalID != "" {
		ev, err := u.repo.FindByPlatformAndExternalID(ctx, stream.Platform, stream.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("既存イベントの検索に失敗しました: %w", err)
		}
		if ev != nil {
			return ev, nil
		}
	}

	if stream.StreamURL != "" {
		ev, err := u.repo.FindByStreamURL(ctx, stream.StreamURL)
		if err != nil {
			return nil, fmt.Errorf("既存イベントの検索に失敗しました: %w", err)
		}
		if ev != nil {
			return ev, nil
		}
	}
	return nil, nil
}

// MergeDiscovered は発見した配信情報を既存イベントにマージする。
//
// 状態遷移ルール:
//   - 状態は SCHEDULED < LIVE < ENDED の順にのみ進み、後退しない
//   - started_at は LIVE を初めて観測した時刻を記録し、以後クリアしない
//   - ended_at は ENDED を初めて観測した時刻を記録し、以後クリアしない
//   - scheduled_at は新しい値が報告された場合のみ更新する
//
// 空の値は既存の値を上書きしない。
func MergeDiscovered(ev *model.StreamingEvent, s model.DiscoveredStream, now time.Time) {
	if s.Platform != "" {
		ev.Platform = s.Platform
	}
	if s.ExternalID != "" {
		ev.ExternalID = s.ExternalID
	}
	if s.StreamURL != "" {
		ev.StreamURL = s.StreamURL
	}
	if s.SourceURL != "" {
		ev.SourceURL = s.SourceURL
	}
	if s.Title != "" {
		ev.Title = s.Title
	}
	if s.Description != "" {
		ev.Description = s.Description
	}
	if s.ThumbnailURL != "" {
		ev.ThumbnailURL = s.ThumbnailURL
	}
	if s.ScheduledAt != nil {
		t := *s.ScheduledAt
		ev.ScheduledAt = &t
	}

	if s.Status.Rank() > ev.Status.Rank() {
		ev.Status = s.Status
	}
	if !ev.Status.Valid() {
		ev.Status = model.EventStatusScheduled
	}

	if ev.Status == model.EventStatusLive && ev.StartedAt == nil {
		t := now
		ev.StartedAt = &t
	}
	if ev.Status == model.EventStatusEnded && ev.EndedAt == nil {
		t := now
		ev.EndedAt = &t
	}

	if s.Status == model.EventStatusLive {
		ev.ViewerCount = s.ViewerCount
	} else if s.ViewerCount > ev.ViewerCount {
		ev.ViewerCount = s.ViewerCount
	}
}
