package ssh

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Checker probes whether a host is reachable over SSH with the standing key
// identity. It is a liveness probe: any failure, from TCP refusal to auth
// rejection, reports as unreachable.
type Checker struct {
	user           string
	privateKeyPath string
}

// NewChecker creates a reachability checker that authenticates as user with
// the given private key. An empty keyPath falls back to the default key
// discovery in Config.Validate.
func NewChecker(user, privateKeyPath string) *Checker {
	return &Checker{
		user:           user,
		privateKeyPath: privateKeyPath,
	}
}

// CanReach reports whether serverIP accepts an SSH connection with the key
// identity within the timeout. It never panics and never returns an error:
// unreachable is an answer, not a failure.
func (a *Checker) CanReach(ctx context.Context, serverIP string, timeout time.Duration) bool {
	// The probe targets hosts that may have been reinstalled since the last
	// contact, so a changed host key must not count as unreachable.
	cfg := KeyConfig(serverIP, a.user, a.privateKeyPath)
	cfg.ConnectionTimeout = timeout

	client, err := NewClient(cfg)
	if err != nil {
		log.Debug().Err(err).Str("host", serverIP).Msg("access probe config invalid")
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Connect(probeCtx); err != nil {
		log.Debug().Err(err).Str("host", serverIP).Msg("access probe failed to connect")
		return false
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			log.Debug().Err(err).Str("host", serverIP).Msg("access probe disconnect failed")
		}
	}()

	if err := client.HealthCheck(probeCtx); err != nil {
		log.Debug().Err(err).Str("host", serverIP).Msg("access probe health check failed")
		return false
	}

	return true
}
