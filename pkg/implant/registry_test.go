package implant

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/morezero/implant-relay/pkg/message"
)

const registryTestPrefix = "implant:registry_test"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(opts Options) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(opts)
	r.now = clock.Now
	return r, clock
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	var updates []Connection
	r, _ := newTestRegistry(Options{OnUpdate: func(c Connection) { updates = append(updates, c) }})

	first := r.Register("abc", "xhr")
	second := r.Register("abc", "ws")

	if first.ID != "abc" || first.Status != StatusConnected {
		t.Errorf("%s - first = %+v", registryTestPrefix, first)
	}
	if second.Transport != "ws" {
		t.Errorf("%s - transport not updated in place: %+v", registryTestPrefix, second)
	}
	if len(updates) != 1 {
		t.Errorf("%s - OnUpdate called %d times, want 1", registryTestPrefix, len(updates))
	}
	if n := len(r.Snapshot()); n != 1 {
		t.Errorf("%s - Snapshot has %d connections, want 1", registryTestPrefix, n)
	}
}

func TestRegistry_PrepareHeartbeatFlushesQueue(t *testing.T) {
	forwarded := 0
	r, _ := newTestRegistry(Options{OnMessage: func(context.Context, Connection, message.Message) error {
		forwarded++
		return nil
	}})
	r.Register("abc", "xhr")

	op1, _ := message.NewWithID("o1", message.OpEvalScript, message.EvalScript{Code: "return 1"})
	op2, _ := message.NewWithID("o2", message.OpLoadResource, message.LoadResource{URL: "/plugins/x.js"})
	r.Enqueue("abc", op1)
	r.Enqueue("abc", op2)

	ping, _ := message.NewWithID("h1", message.OpHeartbeat, message.HeartbeatPing)
	replies, err := r.Prepare(context.Background(), "abc", ping)
	if err != nil {
		t.Fatalf("%s - Prepare failed: %v", registryTestPrefix, err)
	}
	if forwarded != 0 {
		t.Errorf("%s - heartbeat reached OnMessage", registryTestPrefix)
	}
	if len(replies) != 3 {
		t.Fatalf("%s - got %d replies, want 3", registryTestPrefix, len(replies))
	}
	if replies[0].Operation != message.OpHeartbeat || string(replies[0].Data) != `"pong"` || replies[0].ID != "h1" {
		t.Errorf("%s - first reply = %+v, want pong for h1", registryTestPrefix, replies[0])
	}
	if replies[1].ID != "o1" || replies[2].ID != "o2" {
		t.Errorf("%s - queue order not preserved: %s, %s", registryTestPrefix, replies[1].ID, replies[2].ID)
	}

	again, err := r.Prepare(context.Background(), "abc", ping)
	if err != nil {
		t.Fatalf("%s - second Prepare failed: %v", registryTestPrefix, err)
	}
	if len(again) != 1 {
		t.Errorf("%s - queue not cleared, got %d replies", registryTestPrefix, len(again))
	}
}

func TestRegistry_PrepareForwardsOtherMessages(t *testing.T) {
	var got []message.Message
	r, _ := newTestRegistry(Options{OnMessage: func(_ context.Context, c Connection, m message.Message) error {
		if c.ID != "abc" {
			t.Errorf("%s - OnMessage connection = %+v", registryTestPrefix, c)
		}
		got = append(got, m)
		return nil
	}})

	op, _ := message.NewWithID("o1", message.OpEvalScript, nil)
	r.Enqueue("abc", op)

	result := message.Message{Operation: message.OpEvalResult, Data: json.RawMessage(`"{\"result\":2}"`), ID: "o0"}
	replies, err := r.Prepare(context.Background(), "abc", result)
	if err != nil {
		t.Fatalf("%s - Prepare failed: %v", registryTestPrefix, err)
	}
	if len(got) != 1 || got[0].ID != "o0" {
		t.Errorf("%s - forwarded = %+v", registryTestPrefix, got)
	}
	if len(replies) != 1 || replies[0].ID != "o1" {
		t.Errorf("%s - replies = %+v, want only the queued operation", registryTestPrefix, replies)
	}
}

func TestRegistry_PrepareKeepsQueueOnForwardError(t *testing.T) {
	boom := errors.New("bus down")
	r, _ := newTestRegistry(Options{OnMessage: func(context.Context, Connection, message.Message) error { return boom }})

	op, _ := message.NewWithID("o1", message.OpEvalScript, nil)
	r.Enqueue("abc", op)

	_, err := r.Prepare(context.Background(), "abc", message.Message{Operation: message.OpEvalResult, ID: "o0"})
	if !errors.Is(err, boom) {
		t.Fatalf("%s - err = %v, want %v", registryTestPrefix, err, boom)
	}
	if q := r.Snapshot()[0].Queued; q != 1 {
		t.Errorf("%s - queued = %d, want 1", registryTestPrefix, q)
	}
}

func TestRegistry_SweepFiresDisconnectOncePerTransition(t *testing.T) {
	var dropped []string
	r, clock := newTestRegistry(Options{
		HeartbeatInterval: 2 * time.Second,
		TimeoutFactor:     5,
		OnDisconnect: func(_ context.Context, c Connection) {
			dropped = append(dropped, c.ID)
		},
	})
	ctx := context.Background()

	r.Register("abc", "xhr")
	r.Register("def", "ws")

	clock.Advance(9 * time.Second)
	r.HandleHeartbeat(ctx, "def")
	if n := r.Sweep(ctx); n != 0 {
		t.Fatalf("%s - swept %d before timeout", registryTestPrefix, n)
	}

	clock.Advance(2 * time.Second)
	if n := r.Sweep(ctx); n != 1 {
		t.Fatalf("%s - swept %d, want 1", registryTestPrefix, n)
	}
	clock.Advance(2 * time.Second)
	r.Sweep(ctx)
	if len(dropped) != 1 || dropped[0] != "abc" {
		t.Fatalf("%s - dropped = %v, want [abc] exactly once", registryTestPrefix, dropped)
	}

	r.HandleHeartbeat(ctx, "abc")
	clock.Advance(11 * time.Second)
	r.Sweep(ctx)

	want := []string{"abc", "abc", "def"}
	if len(dropped) != 3 {
		t.Fatalf("%s - dropped = %v, want %v in some order", registryTestPrefix, dropped, want)
	}

	for _, c := range r.Snapshot() {
		if c.Status != StatusDisconnected {
			t.Errorf("%s - %s status = %s, want disconnected", registryTestPrefix, c.ID, c.Status)
		}
	}
}

func TestRegistry_HeartbeatAfterSweepReconnects(t *testing.T) {
	var disconnects, reconnects []Connection
	r, clock := newTestRegistry(Options{
		HeartbeatInterval: 2 * time.Second,
		TimeoutFactor:     5,
		OnDisconnect:      func(_ context.Context, c Connection) { disconnects = append(disconnects, c) },
		OnReconnect:       func(_ context.Context, c Connection) { reconnects = append(reconnects, c) },
	})
	ctx := context.Background()

	r.Register("abc", "xhr")
	r.HandleHeartbeat(ctx, "abc")
	if len(reconnects) != 0 {
		t.Fatalf("%s - reconnect fired for a live implant", registryTestPrefix)
	}

	clock.Advance(11 * time.Second)
	r.Sweep(ctx)
	r.HandleHeartbeat(ctx, "abc")
	r.HandleHeartbeat(ctx, "abc")

	if len(disconnects) != 1 {
		t.Fatalf("%s - disconnects = %d, want 1", registryTestPrefix, len(disconnects))
	}
	if len(reconnects) != 1 || reconnects[0].ID != "abc" || reconnects[0].Status != StatusConnected || reconnects[0].Transport != "xhr" {
		t.Fatalf("%s - reconnects = %+v, want one for abc", registryTestPrefix, reconnects)
	}
}

func TestRegistry_ConnectMessageRevivesWithoutReconnect(t *testing.T) {
	reconnects := 0
	r, clock := newTestRegistry(Options{
		OnMessage:   func(context.Context, Connection, message.Message) error { return nil },
		OnReconnect: func(context.Context, Connection) { reconnects++ },
	})
	ctx := context.Background()

	r.Register("abc", "ws")
	clock.Advance(11 * time.Second)
	r.Sweep(ctx)

	if _, err := r.Prepare(ctx, "abc", message.Message{Operation: message.OpConnect, ID: "c1"}); err != nil {
		t.Fatalf("%s - Prepare failed: %v", registryTestPrefix, err)
	}
	r.HandleHeartbeat(ctx, "abc")

	if reconnects != 0 {
		t.Errorf("%s - reconnect fired %d times after an explicit connect", registryTestPrefix, reconnects)
	}
	if s := r.Snapshot(); s[0].Status != StatusConnected {
		t.Errorf("%s - status = %s, want connected", registryTestPrefix, s[0].Status)
	}
}

func TestRegistry_EnqueueForUnseenImplant(t *testing.T) {
	var disconnects, reconnects int
	r, clock := newTestRegistry(Options{
		OnDisconnect: func(context.Context, Connection) { disconnects++ },
		OnReconnect:  func(context.Context, Connection) { reconnects++ },
	})
	ctx := context.Background()

	op, _ := message.NewWithID("o1", message.OpEvalScript, nil)
	r.Enqueue("ghost", op)
	if s := r.Snapshot(); len(s) != 1 || s[0].Status != StatusDisconnected || s[0].Queued != 1 {
		t.Fatalf("%s - snapshot = %+v, want one disconnected entry", registryTestPrefix, s)
	}

	clock.Advance(time.Minute)
	if n := r.Sweep(ctx); n != 0 || disconnects != 0 {
		t.Fatalf("%s - sweep dropped %d, disconnects %d for an implant that never connected", registryTestPrefix, n, disconnects)
	}

	r.HandleHeartbeat(ctx, "ghost")
	if reconnects != 1 {
		t.Errorf("%s - first heartbeat fired reconnect %d times, want 1", registryTestPrefix, reconnects)
	}
}

func TestRegistry_HeartbeatTimeoutBounds(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		factor   int
	}{
		{name: "default factor", interval: time.Second, factor: 10},
		{name: "half second interval", interval: 500 * time.Millisecond, factor: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disconnects := 0
			r, clock := newTestRegistry(Options{
				HeartbeatInterval: tt.interval,
				TimeoutFactor:     tt.factor,
				OnDisconnect:      func(context.Context, Connection) { disconnects++ },
			})
			ctx := context.Background()
			r.Register("abc", "xhr")

			// a heartbeat every unit for 100 units never trips the sweep
			unit := r.HeartbeatTimeout() / 10
			for i := 0; i < 100; i++ {
				clock.Advance(unit)
				r.HandleHeartbeat(ctx, "abc")
				r.Sweep(ctx)
			}
			if disconnects != 0 {
				t.Fatalf("%s - steady heartbeats disconnected %d times", registryTestPrefix, disconnects)
			}

			silent := 0
			for disconnects == 0 && silent < 20 {
				clock.Advance(unit)
				silent++
				r.Sweep(ctx)
			}
			if silent < 10 || silent > 12 {
				t.Errorf("%s - detected after %d silent units, want 10 to 12", registryTestPrefix, silent)
			}
		})
	}
}

func TestRegistry_ConcurrentEnqueueAndPrepare(t *testing.T) {
	r, _ := newTestRegistry(Options{})
	const n = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			op, _ := message.New(message.OpEvalScript, nil)
			r.Enqueue("abc", op)
		}
	}()

	total := 0
	ping := message.Message{Operation: message.OpHeartbeat, Data: json.RawMessage(`"ping"`), ID: "h"}
	deadline := time.Now().Add(5 * time.Second)
	for total < n && time.Now().Before(deadline) {
		replies, err := r.Prepare(context.Background(), "abc", ping)
		if err != nil {
			t.Fatalf("%s - Prepare failed: %v", registryTestPrefix, err)
		}
		total += len(replies) - 1
	}
	wg.Wait()
	replies, _ := r.Prepare(context.Background(), "abc", ping)
	total += len(replies) - 1

	if total != n {
		t.Errorf("%s - delivered %d operations, want %d", registryTestPrefix, total, n)
	}
}
