package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const engineTestPrefix = "correlation:engine_test"

func TestEngine_ResolveBeforeAwait(t *testing.T) {
	e := New[string]()
	if _, err := e.CreateWait("op1"); err != nil {
		t.Fatalf("%s - CreateWait failed: %v", engineTestPrefix, err)
	}
	if !e.Resolve("op1", "hello") {
		t.Fatalf("%s - Resolve rejected a pending wait", engineTestPrefix)
	}

	got, err := e.Await(context.Background(), "op1", time.Second, nil)
	if err != nil {
		t.Fatalf("%s - Await failed: %v", engineTestPrefix, err)
	}
	if got != "hello" {
		t.Errorf("%s - Await() = %q, want hello", engineTestPrefix, got)
	}
	if e.Pending() != 0 {
		t.Errorf("%s - Pending() = %d, want 0", engineTestPrefix, e.Pending())
	}
}

func TestEngine_DuplicateCreate(t *testing.T) {
	e := New[int]()
	if _, err := e.CreateWait("op1"); err != nil {
		t.Fatalf("%s - CreateWait failed: %v", engineTestPrefix, err)
	}
	if _, err := e.CreateWait("op1"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("%s - err = %v, want ErrDuplicate", engineTestPrefix, err)
	}
}

func TestEngine_ResolveUnknownAndTwice(t *testing.T) {
	e := New[int]()
	if e.Resolve("missing", 1) {
		t.Errorf("%s - Resolve accepted unknown id", engineTestPrefix)
	}

	e.CreateWait("op1")
	if !e.Resolve("op1", 1) {
		t.Fatalf("%s - first Resolve rejected", engineTestPrefix)
	}
	if e.Resolve("op1", 2) {
		t.Errorf("%s - second Resolve accepted", engineTestPrefix)
	}

	got, err := e.Await(context.Background(), "op1", time.Second, nil)
	if err != nil || got != 1 {
		t.Errorf("%s - Await() = %d, %v; want first payload", engineTestPrefix, got, err)
	}
}

func TestEngine_TimeoutFiresOnce(t *testing.T) {
	e := New[string]()
	e.CreateWait("op1")

	var calls int32
	_, err := e.Await(context.Background(), "op1", 20*time.Millisecond, func(id string) {
		if id != "op1" {
			t.Errorf("%s - onTimeout id = %q", engineTestPrefix, id)
		}
		atomic.AddInt32(&calls, 1)
	})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("%s - err = %v, want ErrTimedOut", engineTestPrefix, err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("%s - onTimeout called %d times, want 1", engineTestPrefix, n)
	}
	if e.Resolve("op1", "late") {
		t.Errorf("%s - late Resolve accepted after timeout", engineTestPrefix)
	}
}

func TestEngine_CancelAllSupersedes(t *testing.T) {
	e := New[string]()
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		e.CreateWait(id)
	}

	errs := make(chan error, len(ids))
	var timeouts int32
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := e.Await(context.Background(), id, 5*time.Second, func(string) {
				atomic.AddInt32(&timeouts, 1)
			})
			errs <- err
		}(id)
	}

	var cancelled []string
	var mu sync.Mutex
	n := e.CancelAll(func(id string) {
		mu.Lock()
		cancelled = append(cancelled, id)
		mu.Unlock()
	})
	wg.Wait()
	close(errs)

	if n != len(ids) || len(cancelled) != len(ids) {
		t.Errorf("%s - CancelAll ended %d (callbacks %d), want %d", engineTestPrefix, n, len(cancelled), len(ids))
	}
	for err := range errs {
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("%s - err = %v, want ErrSuperseded", engineTestPrefix, err)
		}
	}
	if atomic.LoadInt32(&timeouts) != 0 {
		t.Errorf("%s - onTimeout called for superseded waits", engineTestPrefix)
	}
}

func TestEngine_ConcurrentResolves(t *testing.T) {
	e := New[int]()
	const n = 50
	for i := 0; i < n; i++ {
		e.CreateWait(fmt.Sprintf("op%d", i))
	}

	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			v, err := e.Await(context.Background(), fmt.Sprintf("op%d", i), 5*time.Second, nil)
			if err != nil {
				t.Errorf("%s - Await op%d failed: %v", engineTestPrefix, i, err)
			}
			results[i] = v
		}(i)
		go func(i int) {
			defer wg.Done()
			e.Resolve(fmt.Sprintf("op%d", i), i*10)
		}(i)
	}
	wg.Wait()

	for i, v := range results {
		if v != i*10 {
			t.Errorf("%s - op%d got %d, want %d", engineTestPrefix, i, v, i*10)
		}
	}
}

func TestEngine_AwaitContextCancelled(t *testing.T) {
	e := New[int]()
	e.CreateWait("op1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := e.Await(ctx, "op1", time.Second, func(string) { called = true })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("%s - err = %v, want context.Canceled", engineTestPrefix, err)
	}
	if called {
		t.Errorf("%s - onTimeout called on context cancellation", engineTestPrefix)
	}
	if e.Pending() != 0 {
		t.Errorf("%s - entry not removed", engineTestPrefix)
	}
}

func TestEngine_AwaitUnknown(t *testing.T) {
	e := New[int]()
	if _, err := e.Await(context.Background(), "nope", time.Millisecond, nil); !errors.Is(err, ErrUnknown) {
		t.Errorf("%s - err = %v, want ErrUnknown", engineTestPrefix, err)
	}
}
