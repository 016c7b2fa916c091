package playbook

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetmend/fleetmend/pkg/engine"
	"github.com/fleetmend/fleetmend/pkg/transports/ssh"
)

// stdoutTailLimit bounds how much standard output is carried into a failure
// report.
const stdoutTailLimit = 1000

// Runner executes playbook phases over SSH. It is stateless across calls and
// safe for concurrent use; each phase opens its own connection.
type Runner struct {
	library *Library

	// newTransport builds the SSH transport for a phase. Overridable in tests.
	newTransport func(cfg *ssh.Config) (ssh.Transport, error)
}

// NewRunner creates a phase runner backed by the given playbook library.
func NewRunner(library *Library) *Runner {
	return &Runner{
		library: library,
		newTransport: func(cfg *ssh.Config) (ssh.Transport, error) {
			return ssh.NewClient(cfg)
		},
	}
}

// RunPhase executes the named phase against the target host. It never returns
// an error and never panics: every failure mode reports as an unsuccessful
// PhaseResult whose Output carries the captured error channel and the tail of
// standard output.
func (r *Runner) RunPhase(ctx context.Context, run engine.PhaseRun) (result engine.PhaseResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("phase", run.Phase).
				Str("handle", run.ServerHandle).Msg("playbook runner panicked")
			result = engine.PhaseResult{
				Success: false,
				Output:  fmt.Sprintf("internal error: %v", rec),
			}
		}
	}()

	pb, err := r.library.Get(run.Phase)
	if err != nil {
		return engine.PhaseResult{Success: false, Output: err.Error()}
	}

	if run.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, run.Timeout)
		defer cancel()
	}

	cfg := r.buildConfig(run)
	transport, err := r.newTransport(cfg)
	if err != nil {
		return engine.PhaseResult{
			Success: false,
			Output:  fmt.Sprintf("failed to build transport: %v", err),
		}
	}

	if err := transport.Connect(ctx); err != nil {
		return engine.PhaseResult{
			Success: false,
			Output:  fmt.Sprintf("failed to connect to %s: %v", run.ServerIP, err),
		}
	}
	defer func() {
		if err := transport.Disconnect(); err != nil {
			log.Warn().Err(err).Str("host", run.ServerIP).Msg("failed to close phase connection")
		}
	}()

	vars := r.phaseVars(run)
	var stdoutAll strings.Builder

	for i, step := range pb.Steps {
		startTime := time.Now()

		log.Debug().Str("phase", run.Phase).Str("handle", run.ServerHandle).
			Int("step", i).Str("name", step.Name).Msg("running playbook step")

		stdout, stderr, err := r.runStep(ctx, transport, step, vars)
		if stdout != "" {
			stdoutAll.WriteString(stdout)
			stdoutAll.WriteString("\n")
		}

		if err != nil {
			log.Warn().Err(err).Str("phase", run.Phase).Str("handle", run.ServerHandle).
				Str("step", step.Name).Dur("duration", time.Since(startTime)).
				Msg("playbook step failed")

			return engine.PhaseResult{
				Success: false,
				Output:  failureOutput(step.Name, err, stderr, stdoutAll.String()),
			}
		}

		log.Debug().Str("phase", run.Phase).Str("step", step.Name).
			Dur("duration", time.Since(startTime)).Msg("playbook step completed")
	}

	return engine.PhaseResult{Success: true, Output: tail(stdoutAll.String(), stdoutTailLimit)}
}

// buildConfig selects the SSH credential mode for the phase. Password mode is
// the post-reinstall window; everything else runs on the key identity. Both
// modes use the managed-host policy: the software phase runs right after a
// reinstall handed the host a new key, so pinning against known_hosts would
// fail exactly when the engine needs to connect.
func (r *Runner) buildConfig(run engine.PhaseRun) *ssh.Config {
	if run.Credential.UsesPassword() {
		return ssh.PasswordConfig(run.ServerIP, run.Credential.User, run.Credential.Password)
	}
	return ssh.KeyConfig(run.ServerIP, run.Credential.User, run.Credential.PrivateKeyPath)
}

// phaseVars builds the variable set available to ${var} expansion in steps.
func (r *Runner) phaseVars(run engine.PhaseRun) map[string]string {
	vars := map[string]string{
		"server_ip":     run.ServerIP,
		"server_handle": run.ServerHandle,
		"phase":         run.Phase,
	}
	for k, v := range run.ExtraVars {
		vars[k] = v
	}
	return vars
}

func (r *Runner) runStep(ctx context.Context, transport ssh.Transport, step Step, vars map[string]string) (stdout, stderr string, err error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	switch {
	case step.Command != "":
		cmd := expandVars(step.Command, vars)
		if step.Sudo {
			return transport.ExecuteCommandWithSudo(ctx, cmd, "")
		}
		return transport.ExecuteCommand(ctx, cmd)

	case step.Script != "":
		return transport.ExecuteScript(ctx, expandVars(step.Script, vars), step.Interpreter)

	case step.Copy != nil:
		src := r.library.PayloadPath(expandVars(step.Copy.Source, vars))
		dest := expandVars(step.Copy.Dest, vars)
		mode := step.Copy.Mode
		if mode == 0 {
			mode = 0644
		}
		return "", "", transport.UploadFile(ctx, src, dest, mode)

	case step.Fetch != nil:
		remote := expandVars(step.Fetch.Remote, vars)
		local := expandVars(step.Fetch.Local, vars)
		return "", "", transport.DownloadFile(ctx, remote, local)

	default:
		return "", "", fmt.Errorf("step %s has no action", step.Name)
	}
}

// expandVars substitutes ${var} references from the phase variable set.
// Unknown variables expand to empty, matching shell behavior.
func expandVars(s string, vars map[string]string) string {
	return os.Expand(s, func(key string) string {
		return vars[key]
	})
}

// failureOutput assembles the diagnostic payload for a failed phase: the
// failing step, the error channel, and the tail of everything written to
// stdout so far.
func failureOutput(stepName string, err error, stderr, stdout string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %q failed: %v", stepName, err)
	if stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(stderr)
	}
	if t := tail(stdout, stdoutTailLimit); t != "" {
		b.WriteString("\nstdout (tail):\n")
		b.WriteString(t)
	}
	return b.String()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
