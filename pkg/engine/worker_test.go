package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// fakeJobQueue records the order of result writes and acks.
type fakeJobQueue struct {
	mu           sync.Mutex
	ops          []string
	setResultErr error
	results      map[string]*ProvisioningResult
}

func (q *fakeJobQueue) Claim(ctx context.Context, consumer string) (*Job, error) {
	return nil, nil
}

func (q *fakeJobQueue) Ack(ctx context.Context, jobID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, fmt.Sprintf("ack:%d", jobID))
	return nil
}

func (q *fakeJobQueue) SetResult(ctx context.Context, requestID string, result *ProvisioningResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.setResultErr != nil {
		return q.setResultErr
	}
	if q.results == nil {
		q.results = make(map[string]*ProvisioningResult)
	}
	q.results[requestID] = result
	q.ops = append(q.ops, "result:"+requestID)
	return nil
}

func newWorkerFixture(t *testing.T, queue JobQueue) (*Worker, *engineFixture) {
	t.Helper()
	f := newEngineFixture(t, testServer())
	w := NewWorker("worker-test", queue, f.engine, NewTracker(f.incidents, nil), nil, 0)
	return w, f
}

func TestWorkerWritesResultBeforeAck(t *testing.T) {
	queue := &fakeJobQueue{}
	w, _ := newWorkerFixture(t, queue)

	w.handle(context.Background(), &Job{
		ID:            42,
		Request:       ProvisioningRequest{RequestID: "req-1", ServerHandle: "vps-267179"},
		DeliveryCount: 1,
	})

	if len(queue.ops) != 2 {
		t.Fatalf("expected result write then ack, got %v", queue.ops)
	}
	if queue.ops[0] != "result:req-1" || queue.ops[1] != "ack:42" {
		t.Fatalf("result slot must be written before the ack, got %v", queue.ops)
	}
	if queue.results["req-1"].Status != ResultStatusSuccess {
		t.Errorf("unexpected result: %+v", queue.results["req-1"])
	}
}

func TestWorkerLeavesJobUnackedWhenResultWriteFails(t *testing.T) {
	queue := &fakeJobQueue{setResultErr: fmt.Errorf("database locked")}
	w, _ := newWorkerFixture(t, queue)

	w.handle(context.Background(), &Job{
		ID:      42,
		Request: ProvisioningRequest{RequestID: "req-1", ServerHandle: "vps-267179"},
	})

	for _, op := range queue.ops {
		if op == "ack:42" {
			t.Fatal("job must not be acked when the result slot write fails")
		}
	}
}

func TestWorkerMarksIncidentsRecovering(t *testing.T) {
	queue := &fakeJobQueue{}
	w, f := newWorkerFixture(t, queue)

	tracker := NewTracker(f.incidents, nil)
	tracker.Create(context.Background(), "vps-267179", IncidentTypeServerUnreachable, nil, nil)

	w.handle(context.Background(), &Job{
		ID: 7,
		Request: ProvisioningRequest{
			RequestID:          "req-1",
			ServerHandle:       "vps-267179",
			IsIncidentRecovery: true,
		},
		DeliveryCount: 1,
	})

	// The run succeeded, so the incident went detected -> recovering -> resolved.
	incidents, _ := f.incidents.ListIncidents(context.Background(), "vps-267179", nil)
	if len(incidents) != 1 {
		t.Fatalf("expected one incident, got %d", len(incidents))
	}
	if incidents[0].Status != IncidentStatusResolved {
		t.Errorf("expected resolved incident, got %s", incidents[0].Status)
	}
	if incidents[0].RecoveryAttempts != 1 {
		t.Errorf("expected one recovery attempt recorded, got %d", incidents[0].RecoveryAttempts)
	}
}
