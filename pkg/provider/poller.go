package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// TimeoutError reports that a task did not reach a terminal state within the
// allowed budget.
type TimeoutError struct {
	TaskID  string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s did not complete within %s", e.TaskID, e.Elapsed.Round(time.Second))
}

// Timeout marks this error for callers that branch on timeouts.
func (e *TimeoutError) Timeout() bool { return true }

// TaskFetcher fetches task state. Satisfied by Client.
type TaskFetcher interface {
	GetTask(ctx context.Context, serverID, taskID string) (*Task, error)
}

// Poller waits on asynchronous control-plane tasks by re-fetching their
// state on a fixed interval until the provider marks them completed.
type Poller struct {
	fetcher  TaskFetcher
	interval time.Duration
}

// NewPoller creates a task poller with the given poll interval.
func NewPoller(fetcher TaskFetcher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{fetcher: fetcher, interval: interval}
}

// WaitUntilTerminal polls a task until it completes, returning its output.
// Past the timeout it returns a *TimeoutError. Transient fetch failures are
// logged and retried on the next tick rather than aborting the wait: a
// single dropped poll must not fail a fifteen-minute reinstall.
func (p *Poller) WaitUntilTerminal(ctx context.Context, serverID, taskID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastErr error
	for {
		task, err := p.fetcher.GetTask(ctx, serverID, taskID)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("task_id", taskID).Msg("task poll failed, will retry")
		} else if task.Completed {
			return task.Output, nil
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				return "", fmt.Errorf("%w (last poll error: %v)",
					&TimeoutError{TaskID: taskID, Elapsed: timeout}, lastErr)
			}
			return "", &TimeoutError{TaskID: taskID, Elapsed: timeout}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
