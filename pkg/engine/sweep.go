package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// maxReportedFailures caps how many per-service failures the aggregate
// operator notification lists; the remainder is reported as a count.
const maxReportedFailures = 5

// Sweep re-applies every previously recorded service deployment to a server
// after it became healthy again. Each service is redeployed independently:
// one failure never aborts the sweep for the others.
type Sweep struct {
	registry    ServerRegistry
	credentials CredentialSource
	runner      ConfigRunner
	notifier    Notifier

	// DeployPlaybook is the phase run once per service.
	deployPlaybook string
	deployTimeout  time.Duration
	identity       Credential
}

// NewSweep creates a recovery sweep.
func NewSweep(
	registry ServerRegistry,
	credentials CredentialSource,
	runner ConfigRunner,
	notifier Notifier,
	deployPlaybook string,
	deployTimeout time.Duration,
	identity Credential,
) *Sweep {
	return &Sweep{
		registry:       registry,
		credentials:    credentials,
		runner:         runner,
		notifier:       notifier,
		deployPlaybook: deployPlaybook,
		deployTimeout:  deployTimeout,
		identity:       identity,
	}
}

// Redeploy runs the sweep for one server and emits a single aggregate
// notification: a success summary when everything came back, otherwise up to
// five listed failures plus a count of the remainder.
func (s *Sweep) Redeploy(ctx context.Context, serverHandle, serverIP string) SweepResult {
	var result SweepResult

	deployments, err := s.registry.ListServiceDeployments(ctx, serverHandle)
	if err != nil {
		msg := fmt.Sprintf("failed to list deployments for %s: %v", serverHandle, err)
		log.Error().Err(err).Str("handle", serverHandle).Msg("recovery sweep aborted")
		result.Errors = append(result.Errors, msg)
		return result
	}
	if len(deployments) == 0 {
		log.Info().Str("handle", serverHandle).Msg("no recorded deployments, nothing to redeploy")
		return result
	}

	log.Info().
		Str("handle", serverHandle).
		Int("deployments", len(deployments)).
		Msg("recovery sweep started")

	for _, deployment := range deployments {
		if err := s.redeployOne(ctx, deployment, serverIP); err != nil {
			result.Failed++
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s: %v", deployment.ServiceName, err))
			log.Error().Err(err).
				Str("handle", serverHandle).
				Str("service", deployment.ServiceName).
				Msg("service redeploy failed")
			continue
		}
		result.Succeeded++
		log.Info().
			Str("handle", serverHandle).
			Str("service", deployment.ServiceName).
			Msg("service redeployed")
	}

	s.notify(ctx, serverHandle, result)
	return result
}

// redeployOne fetches a fresh short-lived source credential for the service's
// repository and runs the deploy phase with the recorded parameters.
func (s *Sweep) redeployOne(ctx context.Context, deployment *ServiceDeployment, serverIP string) error {
	token, err := s.credentials.SourceToken(ctx, deployment.DeploymentInfo.Repository)
	if err != nil {
		return fmt.Errorf("fetch source credential: %w", err)
	}

	extraVars := map[string]string{
		"service_name": deployment.ServiceName,
		"project_id":   deployment.ProjectID,
		"repository":   deployment.DeploymentInfo.Repository,
		"branch":       deployment.DeploymentInfo.Branch,
		"port":         strconv.Itoa(deployment.Port),
		"source_token": token,
	}
	if files := deployment.DeploymentInfo.ComposeFiles; len(files) > 0 {
		extraVars["compose_files"] = strings.Join(files, ",")
	}
	for k, v := range deployment.DeploymentInfo.Params {
		extraVars[k] = v
	}

	result := s.runner.RunPhase(ctx, PhaseRun{
		ServerIP:     serverIP,
		ServerHandle: deployment.ServerHandle,
		Phase:        s.deployPlaybook,
		Credential:   s.identity,
		ExtraVars:    extraVars,
		Timeout:      s.deployTimeout,
	})
	if !result.Success {
		return fmt.Errorf("deploy phase failed: %s", tail(result.Output, 500))
	}
	return nil
}

// notify emits the single aggregate summary for the sweep.
func (s *Sweep) notify(ctx context.Context, serverHandle string, result SweepResult) {
	if result.Failed == 0 {
		s.notifier.Notify(ctx,
			fmt.Sprintf("recovery sweep on %s: all %d services redeployed", serverHandle, result.Succeeded),
			NotifyInfo)
		return
	}

	listed := result.Errors
	remainder := 0
	if len(listed) > maxReportedFailures {
		remainder = len(listed) - maxReportedFailures
		listed = listed[:maxReportedFailures]
	}
	msg := fmt.Sprintf("recovery sweep on %s: %d redeployed, %d failed: %s",
		serverHandle, result.Succeeded, result.Failed, strings.Join(listed, "; "))
	if remainder > 0 {
		msg += fmt.Sprintf(" (and %d more)", remainder)
	}
	s.notifier.Notify(ctx, msg, NotifyError)
}
