package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestEventChannel(t *testing.T) {
	ev, err := NewEvent("patient_updated", map[string]string{"updateType": "vitals"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if _, err := ev.Channel("ehr"); err == nil {
		t.Error("expected error for event without audience")
	}

	ev.PatientID = "p-1"
	ch, err := ev.Channel("ehr")
	if err != nil || ch != "ehr:patient:p-1" {
		t.Errorf("Channel() = %q, %v", ch, err)
	}

	ev = &Event{Type: "new_notification", UserID: "u-1"}
	if ch, _ := ev.Channel("ehr"); ch != "ehr:user:u-1" {
		t.Errorf("Channel() = %q", ch)
	}
}

func TestParseChannel(t *testing.T) {
	kind, id, ok := ParseChannel("ehr", "ehr:patient:42")
	if !ok || kind != "patient" || id != "42" {
		t.Errorf("got %q %q %v", kind, id, ok)
	}
	kind, id, ok = ParseChannel("ehr", "ehr:user:abc:def")
	if !ok || kind != "user" || id != "abc:def" {
		t.Errorf("got %q %q %v", kind, id, ok)
	}
	for _, bad := range []string{"other:patient:1", "ehr:ward:1", "ehr:patient:", "ehr"} {
		if _, _, ok := ParseChannel("ehr", bad); ok {
			t.Errorf("ParseChannel(%q) should fail", bad)
		}
	}
}

func TestUnmarshalPayload(t *testing.T) {
	ev, _ := NewEvent("patient_updated", map[string]string{"updateType": "vitals"})
	var p struct {
		UpdateType string `json:"updateType"`
	}
	if err := ev.UnmarshalPayload(&p); err != nil || p.UpdateType != "vitals" {
		t.Errorf("UnmarshalPayload: %v %+v", err, p)
	}
}

func TestForward(t *testing.T) {
	in := make(chan *redis.Message, 4)
	out := make(chan *Event, 4)

	in <- &redis.Message{Channel: "ehr:patient:7", Pattern: "ehr:*", Payload: `{"type":"patient_updated","payload":{}}`}
	in <- &redis.Message{Channel: "ehr:patient:7", Pattern: "ehr:*", Payload: `garbage`}
	in <- &redis.Message{Channel: "ehr:user:u1", Pattern: "ehr:*", Payload: `{"type":"new_notification","user_id":"u1","payload":{}}`}
	close(in)

	forward(context.Background(), in, out, zerolog.Nop())

	var got []*Event
	for ev := range out {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].PatientID != "7" {
		t.Errorf("expected patient id filled from channel, got %q", got[0].PatientID)
	}
	if got[1].UserID != "u1" {
		t.Errorf("expected user id u1, got %q", got[1].UserID)
	}
}

func TestForward_StopsOnCancel(t *testing.T) {
	in := make(chan *redis.Message)
	out := make(chan *Event, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		forward(ctx, in, out, zerolog.Nop())
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward did not stop after cancel")
	}
	if _, ok := <-out; ok {
		t.Error("expected out to be closed")
	}
}

func TestNewRedisPubSub_BadURL(t *testing.T) {
	if _, err := NewRedisPubSub(context.Background(), DefaultConfig("not-a-url"), zerolog.Nop()); err == nil {
		t.Fatal("expected error for invalid url")
	}
}
