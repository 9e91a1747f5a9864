package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hitoshi/fanlive/internal/model"
)

// publishTimeout は1件の送信に許す時間。呼び出し元のキャンセルとは独立に適用する。
const publishTimeout = 5 * time.Second

// messageWriter はkafka.Writerのうち送信に使う操作。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig はKafka送信の設定。
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// KafkaPublisher はメタデータ変更イベントをKafkaトピックへ送信する。
// 送信失敗はログに記録し、呼び出し元には返さない。
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher はKafkaPublisherを生成する。
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: w, topic: cfg.Topic, logger: logger}
}

// Publish はイベントをエンベロープに包んで送信する。キーは配信イベントID。
func (p *KafkaPublisher) Publish(ctx context.Context, event model.MetadataChanged) {
	env, err := NewEnvelope(EventTypeMetadataChanged, event.EventID, event)
	if err != nil {
		p.logger.Error("イベントのシリアライズに失敗しました",
			slog.String("event_id", event.EventID),
			slog.String("error", err.Error()),
		)
		return
	}
	value, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("イベントのシリアライズに失敗しました",
			slog.String("event_id", event.EventID),
			slog.String("error", err.Error()),
		)
		return
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.EventID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "source", Value: []byte(env.Source)},
		},
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("イベントの送信に失敗しました",
			slog.String("topic", p.topic),
			slog.String("event_id", event.EventID),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.Debug("イベントを送信しました",
		slog.String("topic", p.topic),
		slog.String("event_type", env.EventType),
		slog.String("aggregate_id", env.AggregateID),
	)
}

// Close は未送信のメッセージを送り切ってから接続を閉じる。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher はイベントをログに出力するだけの通知先。Kafka未設定時に使う。
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher はLogPublisherを生成する。
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish はイベントの内容をINFOログに出力する。
func (p *LogPublisher) Publish(_ context.Context, event model.MetadataChanged) {
	p.logger.Info("メタデータ変更イベント",
		slog.String("event_type", EventTypeMetadataChanged),
		slog.String("event_id", event.EventID),
		slog.Bool("title_changed", event.TitleChanged),
		slog.Bool("thumbnail_changed", event.ThumbnailChanged),
		slog.String("new_title", event.NewTitle),
	)
}

// Publisher はメタデータ変更イベントの通知先。
type Publisher interface {
	Publish(ctx context.Context, event model.MetadataChanged)
}

// MultiPublisher は複数の通知先へ順に通知する。
type MultiPublisher []Publisher

// Publish は全ての通知先へイベントを渡す。
func (m MultiPublisher) Publish(ctx context.Context, event model.MetadataChanged) {
	for _, p := range m {
		p.Publish(ctx, event)
	}
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = MultiPublisher(nil)
)
