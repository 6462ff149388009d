package agents

import (
	"fmt"
	"sort"
	"time"

	"github.com/lyralabs/companion-gateway/internal/config"
)

// Agent describes a registered assistant agent backend.
type Agent struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	BackendURL  string        `json:"-"`
	Timeout     time.Duration `json:"-"`
}

// Registry holds the configured agents. The set is fixed at startup.
type Registry struct {
	agents map[string]*Agent
	order  []string
}

// NewRegistry builds a registry from configuration. Agent IDs must be
// unique and backends must be configured.
func NewRegistry(configs []config.AgentConfig) (*Registry, error) {
	r := &Registry{agents: make(map[string]*Agent, len(configs))}

	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("agent ID is required")
		}
		if cfg.BackendURL == "" {
			return nil, fmt.Errorf("agent %s: backend URL is required", cfg.ID)
		}
		if _, dup := r.agents[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate agent ID: %s", cfg.ID)
		}

		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		r.agents[cfg.ID] = &Agent{
			ID:          cfg.ID,
			Name:        cfg.Name,
			Description: cfg.Description,
			BackendURL:  cfg.BackendURL,
			Timeout:     timeout,
		}
		r.order = append(r.order, cfg.ID)
	}

	sort.Strings(r.order)
	return r, nil
}

// Get returns the agent with the given ID.
func (r *Registry) Get(id string) (*Agent, bool) {
	agent, ok := r.agents[id]
	return agent, ok
}

// List returns all agents ordered by ID.
func (r *Registry) List() []*Agent {
	agents := make([]*Agent, 0, len(r.order))
	for _, id := range r.order {
		agents = append(agents, r.agents[id])
	}
	return agents
}
