package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

func TestMemoryDeduperExpires(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	first, _ := d.Claim(context.Background(), "k")
	second, _ := d.Claim(context.Background(), "k")
	if !first || second {
		t.Fatalf("first=%v second=%v", first, second)
	}

	now = now.Add(2 * time.Minute)
	again, _ := d.Claim(context.Background(), "k")
	if !again {
		t.Fatal("claim should be available after ttl")
	}
}

type fakeSetNX struct {
	keys map[string]bool
	err  error
	ttl  time.Duration
}

func (f *fakeSetNX) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	f.ttl = ttl
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func TestRedisDeduperUsesPrefixAndTTL(t *testing.T) {
	client := &fakeSetNX{keys: map[string]bool{}}
	d := NewRedisDeduper(client, "p:", time.Hour)

	ok, err := d.Claim(context.Background(), "0xabc:completed")
	if err != nil || !ok {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	if !client.keys["p:0xabc:completed"] || client.ttl != time.Hour {
		t.Fatalf("unexpected redis call: %#v ttl=%s", client.keys, client.ttl)
	}
	ok, _ = d.Claim(context.Background(), "0xabc:completed")
	if ok {
		t.Fatal("second claim should be refused")
	}
}

func TestDeduplicatingSuppressesRepeats(t *testing.T) {
	rec := &recordingNotifier{}
	n := NewDeduplicating(rec, NewMemoryDeduper(time.Hour), testLogger())

	note := sampleNote()
	_ = n.Notify(context.Background(), note)
	_ = n.Notify(context.Background(), note)
	note.Status = "failed"
	_ = n.Notify(context.Background(), note)
	note.TxIdentifier = ""
	_ = n.Notify(context.Background(), note)
	_ = n.Notify(context.Background(), note)

	if len(rec.notes) != 4 {
		t.Fatalf("expected 4 deliveries, got %d", len(rec.notes))
	}
}

func TestDeduplicatingDeliversWhenDeduperFails(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewRedisDeduper(&fakeSetNX{keys: map[string]bool{}, err: errors.New("down")}, "", 0)
	n := NewDeduplicating(rec, d, testLogger())

	if err := n.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(rec.notes) != 1 {
		t.Fatalf("expected delivery despite dedup failure")
	}
}

type fakePublisher struct {
	msgs []*nats.Msg
}

func (f *fakePublisher) PublishMsg(m *nats.Msg) error {
	f.msgs = append(f.msgs, m)
	return nil
}

func TestNATSNotifierSetsMsgID(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNATSNotifier(pub, "payments.events", testLogger())

	if err := n.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.Subject != "payments.events" || msg.Header.Get(nats.MsgIdHdr) != "0xabc" {
		t.Fatalf("unexpected message %s %v", msg.Subject, msg.Header)
	}
}
