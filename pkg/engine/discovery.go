package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Discovery reconciles the server registry against the provider's view of
// the account: servers the provider knows but the registry does not are
// registered as discovered, and registry servers the provider no longer
// reports are marked missing.
type Discovery struct {
	registry ServerRegistry
	cp       ControlPlane
	interval time.Duration
}

// NewDiscovery creates a discovery reconciler.
func NewDiscovery(registry ServerRegistry, cp ControlPlane, interval time.Duration) *Discovery {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Discovery{registry: registry, cp: cp, interval: interval}
}

// Run reconciles on a fixed interval until the context is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.Reconcile(ctx); err != nil {
			log.Error().Err(err).Msg("discovery reconcile failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile performs one reconciliation pass.
func (d *Discovery) Reconcile(ctx context.Context) error {
	providerServers, err := d.cp.ListServers(ctx)
	if err != nil {
		return NewExternalError("", "failed to list provider servers", err)
	}

	known, err := d.registry.ListServers(ctx)
	if err != nil {
		return NewExternalError("", "failed to list registry servers", err)
	}
	knownByHandle := make(map[string]*Server, len(known))
	for _, s := range known {
		knownByHandle[s.Handle] = s
	}

	seen := make(map[string]bool, len(providerServers))
	for _, ps := range providerServers {
		seen[ps.Handle] = true
		existing, ok := knownByHandle[ps.Handle]
		if !ok {
			server := &Server{
				Handle:   ps.Handle,
				PublicIP: ps.PublicIP,
				Status:   ServerStatusDiscovered,
				Labels:   map[string]string{LabelProviderID: ps.ID},
			}
			if err := d.registry.CreateServer(ctx, server); err != nil {
				log.Error().Err(err).Str("handle", ps.Handle).Msg("failed to register discovered server")
				continue
			}
			log.Info().Str("handle", ps.Handle).Str("ip", ps.PublicIP).Msg("discovered new server")
			continue
		}

		// A server that reappears after being marked missing comes back as
		// discovered so an operator (or the engine) revisits it.
		if existing.Status == ServerStatusMissing {
			status := ServerStatusDiscovered
			_ = d.registry.UpdateServer(ctx, ps.Handle, ServerUpdate{Status: &status})
			log.Info().Str("handle", ps.Handle).Msg("missing server reappeared at provider")
		}

		if existing.PublicIP != ps.PublicIP && ps.PublicIP != "" {
			ip := ps.PublicIP
			_ = d.registry.UpdateServer(ctx, ps.Handle, ServerUpdate{PublicIP: &ip})
			log.Warn().Str("handle", ps.Handle).
				Str("old_ip", existing.PublicIP).Str("new_ip", ps.PublicIP).
				Msg("server public IP changed at provider")
		}
	}

	for handle, server := range knownByHandle {
		if seen[handle] {
			continue
		}
		if server.Status == ServerStatusMissing || server.Status == ServerStatusDecommissioned {
			continue
		}
		status := ServerStatusMissing
		if err := d.registry.UpdateServer(ctx, handle, ServerUpdate{Status: &status}); err != nil {
			log.Error().Err(err).Str("handle", handle).Msg("failed to mark server missing")
			continue
		}
		log.Warn().Str("handle", handle).Msg("server no longer reported by provider, marked missing")
	}

	return nil
}
