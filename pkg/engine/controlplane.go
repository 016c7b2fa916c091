package engine

import (
	"context"
	"time"

	"github.com/fleetmend/fleetmend/pkg/provider"
)

// ProviderControlPlane adapts the provider HTTP client and task poller to the
// ControlPlane interface the engine depends on.
type ProviderControlPlane struct {
	client *provider.Client
	poller *provider.Poller
}

// NewProviderControlPlane wraps a provider client and task poller.
func NewProviderControlPlane(client *provider.Client, poller *provider.Poller) *ProviderControlPlane {
	return &ProviderControlPlane{client: client, poller: poller}
}

func (p *ProviderControlPlane) ListServers(ctx context.Context) ([]ProviderServer, error) {
	servers, err := p.client.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProviderServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, ProviderServer{
			ID:       s.ID,
			Handle:   s.Hostname,
			PublicIP: s.PublicIP,
			Status:   s.Status,
		})
	}
	return out, nil
}

func (p *ProviderControlPlane) ServerID(ctx context.Context, handle string) (string, error) {
	return p.client.GetServerID(ctx, handle)
}

func (p *ProviderControlPlane) ReinstallOS(ctx context.Context, serverID, osTemplate, sshPublicKey string) (string, error) {
	return p.client.ReinstallOS(ctx, serverID, osTemplate, sshPublicKey)
}

func (p *ProviderControlPlane) ResetPassword(ctx context.Context, serverID string) (string, error) {
	return p.client.ResetPassword(ctx, serverID)
}

// WaitTask delegates to the poller; its timeout errors implement
// Timeout() bool, which the engine maps to the timeout result class.
func (p *ProviderControlPlane) WaitTask(ctx context.Context, serverID, taskID string, timeout time.Duration) (string, error) {
	return p.poller.WaitUntilTerminal(ctx, serverID, taskID, timeout)
}
