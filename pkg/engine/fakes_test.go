package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeRegistry is an in-memory ServerRegistry.
type fakeRegistry struct {
	mu          sync.Mutex
	servers     map[string]*Server
	deployments map[string][]*ServiceDeployment
	updateErr   error
}

func newFakeRegistry(servers ...*Server) *fakeRegistry {
	r := &fakeRegistry{
		servers:     make(map[string]*Server),
		deployments: make(map[string][]*ServiceDeployment),
	}
	for _, s := range servers {
		if s.Labels == nil {
			s.Labels = make(map[string]string)
		}
		r.servers[s.Handle] = s
	}
	return r
}

func (r *fakeRegistry) GetServer(ctx context.Context, handle string) (*Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[handle]
	if !ok {
		return nil, fmt.Errorf("server not found: %s", handle)
	}
	copied := *s
	return &copied, nil
}

func (r *fakeRegistry) UpdateServer(ctx context.Context, handle string, update ServerUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	s, ok := r.servers[handle]
	if !ok {
		return fmt.Errorf("server not found: %s", handle)
	}
	if update.Status != nil {
		s.Status = *update.Status
	}
	if update.PublicIP != nil {
		s.PublicIP = *update.PublicIP
	}
	if update.OSTemplate != nil {
		s.OSTemplate = *update.OSTemplate
	}
	if update.ProvisioningAttempts != nil {
		s.ProvisioningAttempts = *update.ProvisioningAttempts
	}
	for k, v := range update.Labels {
		s.Labels[k] = v
	}
	return nil
}

func (r *fakeRegistry) ListServers(ctx context.Context) ([]*Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Server
	for _, s := range r.servers {
		copied := *s
		out = append(out, &copied)
	}
	return out, nil
}

func (r *fakeRegistry) CreateServer(ctx context.Context, server *Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[server.Handle]; exists {
		return fmt.Errorf("server already exists: %s", server.Handle)
	}
	if server.Labels == nil {
		server.Labels = make(map[string]string)
	}
	r.servers[server.Handle] = server
	return nil
}

func (r *fakeRegistry) ListServiceDeployments(ctx context.Context, handle string) ([]*ServiceDeployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deployments[handle], nil
}

func (r *fakeRegistry) status(handle string) ServerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers[handle].Status
}

func (r *fakeRegistry) attempts(handle string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers[handle].ProvisioningAttempts
}

// fakeIncidentStore is an in-memory IncidentStore.
type fakeIncidentStore struct {
	mu        sync.Mutex
	incidents []*Incident
	createErr error
}

func (s *fakeIncidentStore) CreateIncident(ctx context.Context, incident *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	copied := *incident
	s.incidents = append(s.incidents, &copied)
	return nil
}

func (s *fakeIncidentStore) ListIncidents(ctx context.Context, handle string, statusFilter []IncidentStatus) ([]*Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Incident
	for _, inc := range s.incidents {
		if handle != "" && inc.ServerHandle != handle {
			continue
		}
		if len(statusFilter) > 0 {
			match := false
			for _, st := range statusFilter {
				if inc.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		copied := *inc
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeIncidentStore) UpdateIncident(ctx context.Context, id string, update IncidentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range s.incidents {
		if inc.ID != id {
			continue
		}
		if update.Status != nil {
			inc.Status = *update.Status
		}
		if update.ResolvedAt != nil {
			t := *update.ResolvedAt
			inc.ResolvedAt = &t
		}
		if update.RecoveryAttempts != nil {
			inc.RecoveryAttempts = *update.RecoveryAttempts
		}
		return nil
	}
	return fmt.Errorf("incident not found: %s", id)
}

// fakeRunStore is an in-memory RunStore.
type fakeRunStore struct {
	mu   sync.Mutex
	runs []*ProvisioningRun
}

func (s *fakeRunStore) CreateRun(ctx context.Context, run *ProvisioningRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	s.runs = append(s.runs, &copied)
	return nil
}

func (s *fakeRunStore) UpdateRunState(ctx context.Context, id string, state RunState, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.ID == id {
			run.State = state
			run.Error = errMsg
			return nil
		}
	}
	return fmt.Errorf("run not found: %s", id)
}

func (s *fakeRunStore) ListRunsByHandle(ctx context.Context, handle string, limit int) ([]*ProvisioningRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ProvisioningRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].ServerHandle != handle {
			continue
		}
		copied := *s.runs[i]
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeRunStore) states(handle string) []RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunState
	for _, run := range s.runs {
		if run.ServerHandle == handle {
			out = append(out, run.State)
		}
	}
	return out
}

// fakeControlPlane scripts provider behavior.
type fakeControlPlane struct {
	mu             sync.Mutex
	serverIDs      map[string]string
	reinstallErr   error
	reinstallTask  string
	taskOutput     string
	waitErr        error
	resetTask      string
	resetOutput    string
	resetErr       error
	reinstallCalls int
	resetCalls     int
	lastTemplate   string
	lastPublicKey  string
}

func (cp *fakeControlPlane) ListServers(ctx context.Context) ([]ProviderServer, error) {
	return nil, nil
}

func (cp *fakeControlPlane) ServerID(ctx context.Context, handle string) (string, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	id, ok := cp.serverIDs[handle]
	if !ok {
		return "", fmt.Errorf("unknown handle: %s", handle)
	}
	return id, nil
}

func (cp *fakeControlPlane) ReinstallOS(ctx context.Context, serverID, osTemplate, sshPublicKey string) (string, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.reinstallCalls++
	cp.lastTemplate = osTemplate
	cp.lastPublicKey = sshPublicKey
	if cp.reinstallErr != nil {
		return "", cp.reinstallErr
	}
	if cp.reinstallTask == "" {
		return "task-1", nil
	}
	return cp.reinstallTask, nil
}

func (cp *fakeControlPlane) ResetPassword(ctx context.Context, serverID string) (string, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.resetCalls++
	if cp.resetErr != nil {
		return "", cp.resetErr
	}
	if cp.resetTask == "" {
		return "task-reset", nil
	}
	return cp.resetTask, nil
}

func (cp *fakeControlPlane) WaitTask(ctx context.Context, serverID, taskID string, timeout time.Duration) (string, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if taskID == cp.resetTask || taskID == "task-reset" {
		return cp.resetOutput, nil
	}
	if cp.waitErr != nil {
		return "", cp.waitErr
	}
	return cp.taskOutput, nil
}

// fakeAccess scripts reachability.
type fakeAccess struct {
	reachable bool
	probes    int
}

func (a *fakeAccess) CanReach(ctx context.Context, serverIP string, timeout time.Duration) bool {
	a.probes++
	return a.reachable
}

// fakeRunner records phase runs and returns scripted results.
type fakeRunner struct {
	mu       sync.Mutex
	runs     []PhaseRun
	failures map[string]string
}

func (r *fakeRunner) RunPhase(ctx context.Context, run PhaseRun) PhaseResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	if output, fail := r.failures[run.Phase]; fail {
		return PhaseResult{Success: false, Output: output}
	}
	return PhaseResult{Success: true, Output: "ok"}
}

func (r *fakeRunner) phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, run := range r.runs {
		out = append(out, run.Phase)
	}
	return out
}

// fakeNotifier records notifications.
type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	levels   []NotifyLevel
}

func (n *fakeNotifier) Notify(ctx context.Context, message string, level NotifyLevel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	n.levels = append(n.levels, level)
}

// fakeCredSource mints predictable tokens.
type fakeCredSource struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeCredSource) SourceToken(ctx context.Context, repository string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, repository)
	if c.err != nil {
		return "", c.err
	}
	return "token-" + repository, nil
}

// fakeRedeployer returns a scripted sweep result.
type fakeRedeployer struct {
	result SweepResult
	calls  int
}

func (r *fakeRedeployer) Redeploy(ctx context.Context, serverHandle, serverIP string) SweepResult {
	r.calls++
	return r.result
}

// fakePublisher records published requests.
type fakePublisher struct {
	mu       sync.Mutex
	requests []ProvisioningRequest
}

func (p *fakePublisher) Publish(ctx context.Context, req ProvisioningRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return nil
}
