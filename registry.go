package agenthub

import (
	"fmt"
	"sync"

	"github.com/openhive/agenthub/sdk"
)

// Registry is the process-local mapping from (agent_id, version) to an agent
// implementation. Implementations are pure: the orchestrator performs all
// I/O and applies all effects on their behalf.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]sdk.Agent
}

// NewAgentRegistry creates an empty agent registry.
func NewAgentRegistry() *Registry {
	return &Registry{agents: make(map[string]sdk.Agent)}
}

func agentKey(agentID, version string) string {
	return agentID + ":" + version
}

// Register adds an agent implementation, keyed by its manifest's
// (agent_id, version).
func (r *Registry) Register(agent sdk.Agent) error {
	if agent == nil {
		return fmt.Errorf("%w: agent is nil", ErrInvalidConfig)
	}

	manifest := agent.Manifest()
	if manifest.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidConfig)
	}
	if manifest.Version == "" {
		return fmt.Errorf("%w: version is required for agent %q", ErrInvalidConfig, manifest.AgentID)
	}

	key := agentKey(manifest.AgentID, manifest.Version)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[key]; exists {
		return fmt.Errorf("%w: agent %s already registered", ErrInvalidConfig, key)
	}

	r.agents[key] = agent
	return nil
}

// MustRegister is like Register but panics on error. Useful in init and
// main wiring where a bad registration should be fatal.
func (r *Registry) MustRegister(agent sdk.Agent) {
	if err := r.Register(agent); err != nil {
		panic(err)
	}
}

// Get returns the implementation for (agent_id, version), or
// ErrAgentNotRegistered.
func (r *Registry) Get(agentID, version string) (sdk.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentKey(agentID, version)]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrAgentNotRegistered, agentID, version)
	}
	return agent, nil
}

// Has checks whether an implementation is registered for (agent_id, version).
func (r *Registry) Has(agentID, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentKey(agentID, version)]
	return ok
}

// List returns the registered (agent_id, version) keys.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.agents))
	for key := range r.agents {
		keys = append(keys, key)
	}
	return keys
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
