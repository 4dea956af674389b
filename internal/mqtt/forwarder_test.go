package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/colloquy/internal/config"
	"github.com/nugget/colloquy/internal/events"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, msg *paho.Publish) (*paho.PublishResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return &paho.PublishResponse{}, p.err
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		out = append(out, m.Topic)
	}
	return out
}

func testForwarder() *Forwarder {
	cfg := config.MQTTConfig{Broker: "mqtt://localhost:1883", ClientID: "colloquy", TopicPrefix: "colloquy"}
	return New(cfg, "0190a2b3-c4d5-7e6f-8a9b-0123456789ab", events.New(), NewDailyTokens(time.UTC),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestForward_PublishesEventsAndCountsTokens(t *testing.T) {
	f := testForwarder()
	pub := &fakePublisher{}
	ch := make(chan events.Event, 4)

	ch <- events.Event{Source: events.SourceChat, Kind: events.KindTurnStart, Data: map[string]any{"strategy": "auto"}}
	ch <- events.Event{Source: events.SourceChat, Kind: events.KindTurnComplete, Data: map[string]any{
		"input_tokens": 12, "output_tokens": 30,
	}}
	close(ch)

	f.forward(context.Background(), pub, ch, time.Hour)

	topics := pub.topics()
	want := []string{"colloquy/events/chat/turn_start", "colloquy/events/chat/turn_complete"}
	if len(topics) != 2 || topics[0] != want[0] || topics[1] != want[1] {
		t.Errorf("topics = %v, want %v", topics, want)
	}

	var got events.Event
	if err := json.Unmarshal(pub.msgs[0].Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.Data["strategy"] != "auto" {
		t.Errorf("payload data = %v", got.Data)
	}

	if in, out, turns := f.tokens.Snapshot(); in != 12 || out != 30 || turns != 1 {
		t.Errorf("tokens = (%d, %d, %d)", in, out, turns)
	}
}

func TestForward_PublishesTokenTotal(t *testing.T) {
	f := testForwarder()
	f.tokens.OnTokens(40, 2)
	pub := &fakePublisher{}
	ch := make(chan events.Event)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.forward(ctx, pub, ch, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for len(pub.topics()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.msgs) == 0 {
		t.Fatal("token total never published")
	}
	m := pub.msgs[0]
	if m.Topic != "colloquy/stats/tokens_today" || string(m.Payload) != "42" || !m.Retain {
		t.Errorf("stats message = %s %q retain=%v", m.Topic, m.Payload, m.Retain)
	}
}

func TestForward_PublishErrorDoesNotStop(t *testing.T) {
	f := testForwarder()
	pub := &fakePublisher{err: errors.New("not connected")}
	ch := make(chan events.Event, 2)
	ch <- events.Event{Source: events.SourceHealth, Kind: events.KindServiceDown}
	ch <- events.Event{Source: events.SourceHealth, Kind: events.KindServiceUp}
	close(ch)

	f.forward(context.Background(), pub, ch, time.Hour)
	if n := len(pub.topics()); n != 2 {
		t.Errorf("attempted %d publishes, want 2", n)
	}
}

func TestAvailabilityAndClientID(t *testing.T) {
	f := testForwarder()
	if got := f.clientID(); got != "colloquy-456789ab" {
		t.Errorf("clientID = %q", got)
	}
	pub := &fakePublisher{}
	f.publishAvailability(context.Background(), pub, "online")
	if m := pub.msgs[0]; m.Topic != "colloquy/availability" || string(m.Payload) != "online" || m.QoS != 1 {
		t.Errorf("availability = %+v", m)
	}
	if err := f.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
	if err := f.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection before Start should fail")
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID: %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil || strings.TrimSpace(string(data)) != first {
		t.Errorf("file = %q, %v", data, err)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil || second != first {
		t.Errorf("second = %q, %v; want stable %q", second, err, first)
	}
}
