package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hitoshi/fanlive/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	ctxErr error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.ctxErr = ctx.Err()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func sampleChange() model.MetadataChanged {
	return model.MetadataChanged{
		EventID:          "ev-1",
		OldTitle:         "old",
		NewTitle:         "new",
		OldThumbnailURL:  "https://i.ytimg.com/a.jpg",
		NewThumbnailURL:  "https://i.ytimg.com/a.jpg",
		TitleChanged:     true,
		ThumbnailChanged: false,
		OccurredAt:       time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	var buf bytes.Buffer
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "fanlive.metadata", logger: newTestLogger(&buf)}

	p.Publish(context.Background(), sampleChange())

	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "fanlive.metadata" || string(msg.Key) != "ev-1" {
		t.Errorf("topic=%q key=%q", msg.Topic, msg.Key)
	}

	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("envelope decode: %v", err)
	}
	if env.EventType != EventTypeMetadataChanged || env.AggregateID != "ev-1" || env.EventID == "" {
		t.Errorf("envelope = %+v", env)
	}

	var data model.MetadataChanged
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("data decode: %v", err)
	}
	want := sampleChange()
	if data.EventID != want.EventID || data.NewTitle != want.NewTitle || !data.TitleChanged || data.ThumbnailChanged || !data.OccurredAt.Equal(want.OccurredAt) {
		t.Errorf("data = %+v", data)
	}

	found := false
	for _, h := range msg.Headers {
		if h.Key == "event_type" && string(h.Value) == EventTypeMetadataChanged {
			found = true
		}
	}
	if !found {
		t.Error("event_type ヘッダーがない")
	}
}

func TestKafkaPublisher_FailureIsLoggedNotReturned(t *testing.T) {
	var buf bytes.Buffer
	w := &fakeWriter{err: errors.New("broker unreachable")}
	p := &KafkaPublisher{writer: w, topic: "t", logger: newTestLogger(&buf)}

	p.Publish(context.Background(), sampleChange())

	if !strings.Contains(buf.String(), "イベントの送信に失敗しました") {
		t.Errorf("送信失敗がログに記録されていない: %s", buf.String())
	}
}

func TestKafkaPublisher_IgnoresCallerCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "t", logger: newTestLogger(&buf)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Publish(ctx, sampleChange())

	if w.ctxErr != nil {
		t.Errorf("送信時のコンテキストがキャンセルされている: %v", w.ctxErr)
	}
	if len(w.msgs) != 1 {
		t.Error("キャンセル済みコンテキストでも送信されるべき")
	}
}

func TestKafkaPublisher_Close(t *testing.T) {
	var buf bytes.Buffer
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "t", logger: newTestLogger(&buf)}
	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close: err=%v closed=%v", err, w.closed)
	}
}

type countingPublisher struct{ n int }

func (c *countingPublisher) Publish(context.Context, model.MetadataChanged) { c.n++ }

func TestMultiPublisher(t *testing.T) {
	var buf bytes.Buffer
	a, b := &countingPublisher{}, &countingPublisher{}
	m := MultiPublisher{a, NewLogPublisher(newTestLogger(&buf)), b}

	m.Publish(context.Background(), sampleChange())

	if a.n != 1 || b.n != 1 {
		t.Errorf("a=%d b=%d, want 1 each", a.n, b.n)
	}
	if !strings.Contains(buf.String(), `"event_id":"ev-1"`) {
		t.Errorf("LogPublisher の出力がない: %s", buf.String())
	}
}
