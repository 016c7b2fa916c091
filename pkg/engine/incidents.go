package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetmend/fleetmend/pkg/telemetry"
)

// Tracker creates and resolves incident records for servers. Incident writes
// are append-only and safe under concurrent unrelated handles.
type Tracker struct {
	store   IncidentStore
	metrics *telemetry.Metrics
}

// NewTracker creates an incident tracker backed by the given store.
func NewTracker(store IncidentStore, metrics *telemetry.Metrics) *Tracker {
	return &Tracker{store: store, metrics: metrics}
}

// Create records a new incident for a server and returns its ID. Creation is
// best-effort: a store failure is logged, not propagated, because an
// incident write must never abort the run that detected the problem.
func (t *Tracker) Create(ctx context.Context, handle, incidentType string, details map[string]any, affectedServices []string) string {
	incident := &Incident{
		ID:               uuid.New().String(),
		ServerHandle:     handle,
		IncidentType:     incidentType,
		Status:           IncidentStatusDetected,
		DetectedAt:       time.Now(),
		Details:          details,
		AffectedServices: affectedServices,
	}

	if err := t.store.CreateIncident(ctx, incident); err != nil {
		log.Error().Err(err).
			Str("handle", handle).
			Str("incident_type", incidentType).
			Msg("failed to persist incident")
		return ""
	}

	t.metrics.IncidentOpened(incidentType)
	log.Warn().
		Str("handle", handle).
		Str("incident_id", incident.ID).
		Str("incident_type", incidentType).
		Msg("incident created")
	return incident.ID
}

// ResolveOpen transitions every detected or recovering incident for the
// handle to resolved, all stamped with the same resolution time, and returns
// how many were resolved. Zero open incidents is not an error: a successful
// non-recovery run simply has nothing to resolve.
func (t *Tracker) ResolveOpen(ctx context.Context, handle string) int {
	open, err := t.store.ListIncidents(ctx, handle, []IncidentStatus{
		IncidentStatusDetected,
		IncidentStatusRecovering,
	})
	if err != nil {
		log.Error().Err(err).Str("handle", handle).Msg("failed to list open incidents")
		return 0
	}

	resolvedAt := time.Now()
	resolved := 0
	status := IncidentStatusResolved
	for _, incident := range open {
		if err := t.store.UpdateIncident(ctx, incident.ID, IncidentUpdate{
			Status:     &status,
			ResolvedAt: &resolvedAt,
		}); err != nil {
			log.Error().Err(err).
				Str("incident_id", incident.ID).
				Msg("failed to resolve incident")
			continue
		}
		resolved++
		t.metrics.IncidentResolved(incident.IncidentType)
	}

	return resolved
}

// MarkRecovering moves every detected incident for the handle to recovering
// and bumps its recovery attempt counter. Used when a recovery run is queued
// for a handle with open incidents.
func (t *Tracker) MarkRecovering(ctx context.Context, handle string) {
	open, err := t.store.ListIncidents(ctx, handle, []IncidentStatus{IncidentStatusDetected})
	if err != nil {
		log.Error().Err(err).Str("handle", handle).Msg("failed to list detected incidents")
		return
	}

	status := IncidentStatusRecovering
	for _, incident := range open {
		attempts := incident.RecoveryAttempts + 1
		if err := t.store.UpdateIncident(ctx, incident.ID, IncidentUpdate{
			Status:           &status,
			RecoveryAttempts: &attempts,
		}); err != nil {
			log.Error().Err(err).Str("incident_id", incident.ID).Msg("failed to mark incident recovering")
		}
	}
}
