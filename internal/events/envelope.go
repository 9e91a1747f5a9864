// Package events はドメインイベントの通知を提供する。
// メタデータ変更イベントをKafkaへ送信する実装と、ログ出力のみの実装を含む。
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventTypeMetadataChanged は配信イベントのメタデータ変更イベントの種別。
const EventTypeMetadataChanged = "streaming_event.metadata_changed"

const (
	aggregateTypeStreamingEvent = "streaming_event"
	eventSource                 = "fanlive"
)

// Envelope はKafkaへ送信するイベントの共通エンベロープ。
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope はIDと時刻を採番したエンベロープを生成する。
func NewEnvelope(eventType, aggregateID string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateTypeStreamingEvent,
		Version:       1,
		Timestamp:     time.Now().UTC(),
		Source:        eventSource,
		Data:          raw,
	}, nil
}
