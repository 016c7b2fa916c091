package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Publisher enqueues provisioning requests. Satisfied by the job queue.
type Publisher interface {
	Publish(ctx context.Context, req ProvisioningRequest) error
}

// Monitor periodically probes the fleet's healthy servers and turns an
// unreachable one into an open incident plus a queued recovery request.
type Monitor struct {
	registry  ServerRegistry
	access    AccessChecker
	tracker   *Tracker
	incidents IncidentStore
	runs      RunStore
	publisher Publisher

	interval     time.Duration
	probeTimeout time.Duration
	maxRetries   int
}

// NewMonitor creates a health monitor.
func NewMonitor(
	registry ServerRegistry,
	access AccessChecker,
	tracker *Tracker,
	incidents IncidentStore,
	runs RunStore,
	publisher Publisher,
	interval, probeTimeout time.Duration,
	maxRetries int,
) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = DefaultOptions().MaxRetries
	}
	return &Monitor{
		registry:     registry,
		access:       access,
		tracker:      tracker,
		incidents:    incidents,
		runs:         runs,
		publisher:    publisher,
		interval:     interval,
		probeTimeout: probeTimeout,
		maxRetries:   maxRetries,
	}
}

// Run probes on a fixed interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("health sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one health pass over the fleet.
func (m *Monitor) Sweep(ctx context.Context) error {
	servers, err := m.registry.ListServers(ctx)
	if err != nil {
		return NewExternalError("", "failed to list servers", err)
	}

	for _, server := range servers {
		if server.PublicIP == "" {
			continue
		}
		switch server.Status {
		case ServerStatusReady, ServerStatusInUse:
			if m.access.CanReach(ctx, server.PublicIP, m.probeTimeout) {
				continue
			}
			m.handleUnreachable(ctx, server)
		case ServerStatusError:
			// A failed recovery run leaves the server errored with its
			// unreachable incident still open. Retry while attempts remain so
			// one failed attempt does not end self-healing for the handle.
			m.retryFailedRecovery(ctx, server)
		}
	}
	return nil
}

// handleUnreachable opens a server_unreachable incident and queues exactly
// one recovery request. A handle with an open unreachable incident already
// has a recovery queued or in flight, so it is skipped until that resolves.
func (m *Monitor) handleUnreachable(ctx context.Context, server *Server) {
	open, err := m.incidents.ListIncidents(ctx, server.Handle, []IncidentStatus{
		IncidentStatusDetected,
		IncidentStatusRecovering,
	})
	if err != nil {
		log.Error().Err(err).Str("handle", server.Handle).Msg("failed to check open incidents")
		return
	}
	for _, incident := range open {
		if incident.IncidentType == IncidentTypeServerUnreachable {
			log.Debug().Str("handle", server.Handle).Msg("unreachable incident already open, skipping")
			return
		}
	}

	var services []string
	if deployments, derr := m.registry.ListServiceDeployments(ctx, server.Handle); derr == nil {
		for _, d := range deployments {
			services = append(services, d.ServiceName)
		}
	}

	log.Warn().Str("handle", server.Handle).Str("ip", server.PublicIP).
		Msg("server unreachable, queueing recovery")
	m.tracker.Create(ctx, server.Handle, IncidentTypeServerUnreachable, map[string]any{
		"ip": server.PublicIP,
	}, services)

	m.enqueueRecovery(ctx, server)
}

// retryFailedRecovery re-queues recovery for an errored server whose
// unreachable incident is still open, provided the most recent run belongs to
// that incident (started after detection), finished in failure, and attempts
// remain. A non-terminal latest run means a recovery is in flight; an older
// run predating the incident means the first request has not been claimed
// yet. Servers at the attempts ceiling stay parked for an operator.
func (m *Monitor) retryFailedRecovery(ctx context.Context, server *Server) {
	if server.ProvisioningAttempts >= m.maxRetries {
		return
	}

	open, err := m.incidents.ListIncidents(ctx, server.Handle, []IncidentStatus{
		IncidentStatusDetected,
		IncidentStatusRecovering,
	})
	if err != nil {
		log.Error().Err(err).Str("handle", server.Handle).Msg("failed to check open incidents")
		return
	}
	var incident *Incident
	for _, inc := range open {
		if inc.IncidentType == IncidentTypeServerUnreachable {
			incident = inc
			break
		}
	}
	if incident == nil {
		return
	}

	runs, err := m.runs.ListRunsByHandle(ctx, server.Handle, 1)
	if err != nil || len(runs) == 0 {
		return
	}
	last := runs[0]
	if last.State != RunStateFailed || last.StartedAt.Before(incident.DetectedAt) {
		return
	}

	log.Warn().Str("handle", server.Handle).Int("attempts", server.ProvisioningAttempts).
		Msg("previous recovery failed, queueing retry")
	m.enqueueRecovery(ctx, server)
}

func (m *Monitor) enqueueRecovery(ctx context.Context, server *Server) {
	req := ProvisioningRequest{
		RequestID:          uuid.New().String(),
		ServerHandle:       server.Handle,
		IsIncidentRecovery: true,
	}
	if err := m.publisher.Publish(ctx, req); err != nil {
		log.Error().Err(err).Str("handle", server.Handle).Msg("failed to queue recovery request")
	}
}
