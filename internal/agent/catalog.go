package agent

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
)

// Built-in agent type identifiers.
const (
	TypeNormal       = "normal"
	TypeRAG          = "rag"
	TypeOrchestrator = "multi-agent"
)

// Info describes a registered agent for discovery endpoints.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Catalog resolves agent types to implementations. Unknown types fall back
// to the normal agent.
type Catalog struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	fallback Agent
	log      *logger.Logger
}

// NewCatalog creates a catalog with fallback as the default agent.
func NewCatalog(fallback Agent, log *logger.Logger) *Catalog {
	if log == nil {
		log = logger.Default()
	}
	c := &Catalog{
		agents:   make(map[string]Agent),
		fallback: fallback,
		log:      log,
	}
	c.Register(fallback)
	return c
}

// Register adds an agent under its type id.
func (c *Catalog) Register(a Agent) {
	c.mu.Lock()
	c.agents[a.Type()] = a
	c.mu.Unlock()
}

// Resolve returns the agent for agentType, or the fallback when the type is
// unknown or empty.
func (c *Catalog) Resolve(agentType string) Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if agentType == "" {
		return c.fallback
	}
	if a, ok := c.agents[agentType]; ok {
		return a
	}
	c.log.Warn("unknown agent type, falling back", zap.String("agent_type", agentType))
	return c.fallback
}

// Known reports whether agentType is registered.
func (c *Catalog) Known(agentType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.agents[agentType]
	return ok
}

// List returns registered agents sorted by id.
func (c *Catalog) List() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	infos := make([]Info, 0, len(c.agents))
	for _, a := range c.agents {
		infos = append(infos, Info{ID: a.Type(), Name: a.Name(), Description: a.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
