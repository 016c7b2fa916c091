package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// scriptedFetcher returns its responses in order, repeating the last one.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []func() (*Task, error)
	calls     int
}

func (f *scriptedFetcher) GetTask(ctx context.Context, serverID, taskID string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return f.responses[i]()
}

func TestPollerReturnsTaskOutput(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: []func() (*Task, error){
			func() (*Task, error) { return &Task{ID: "t1", Completed: false}, nil },
			func() (*Task, error) { return &Task{ID: "t1", Completed: true, Output: "New password: pw"}, nil },
		},
	}

	p := NewPoller(fetcher, time.Millisecond)
	output, err := p.WaitUntilTerminal(context.Background(), "srv", "t1", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output != "New password: pw" {
		t.Errorf("unexpected output: %q", output)
	}
	if fetcher.calls < 2 {
		t.Errorf("expected at least two polls, got %d", fetcher.calls)
	}
}

func TestPollerTimeout(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: []func() (*Task, error){
			func() (*Task, error) { return &Task{ID: "t1", Completed: false}, nil },
		},
	}

	p := NewPoller(fetcher, time.Millisecond)
	_, err := p.WaitUntilTerminal(context.Background(), "srv", "t1", 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
	if !te.Timeout() {
		t.Error("timeout error must report Timeout() true")
	}
}

func TestPollerRetriesTransientFailures(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: []func() (*Task, error){
			func() (*Task, error) { return nil, fmt.Errorf("connection reset") },
			func() (*Task, error) { return nil, fmt.Errorf("connection reset") },
			func() (*Task, error) { return &Task{ID: "t1", Completed: true, Output: "done"}, nil },
		},
	}

	p := NewPoller(fetcher, time.Millisecond)
	output, err := p.WaitUntilTerminal(context.Background(), "srv", "t1", time.Second)
	if err != nil {
		t.Fatalf("transient poll failures must not abort the wait: %v", err)
	}
	if output != "done" {
		t.Errorf("unexpected output: %q", output)
	}
}

func TestPollerTimeoutCarriesLastError(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: []func() (*Task, error){
			func() (*Task, error) { return nil, fmt.Errorf("503 from panel") },
		},
	}

	p := NewPoller(fetcher, time.Millisecond)
	_, err := p.WaitUntilTerminal(context.Background(), "srv", "t1", 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected error")
	}

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected timeout classification, got %T", err)
	}
}

func TestPollerContextCancellation(t *testing.T) {
	fetcher := &scriptedFetcher{
		responses: []func() (*Task, error){
			func() (*Task, error) { return &Task{ID: "t1", Completed: false}, nil },
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPoller(fetcher, 10*time.Millisecond)
	_, err := p.WaitUntilTerminal(ctx, "srv", "t1", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context cancellation, got %v", err)
	}
}
