// ABOUTME: Registry of agent handles keyed by unique agent id
// ABOUTME: Owns the outbox subscription of every registered agent

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-coordinator/internal/protocol"
)

// ErrDuplicateAgent indicates an agent with the same ID is already registered.
var ErrDuplicateAgent = errors.New("agent already registered")

// ErrUnknownAgent indicates the specified agent is not registered.
var ErrUnknownAgent = errors.New("agent not registered")

// ErrInvalidAgentID indicates the id is reserved or not syntactically valid.
var ErrInvalidAgentID = errors.New("invalid agent id")

// Lifecycle states of an agent.
const (
	StatusRegistered   = "registered"
	StatusUnregistered = "unregistered"
)

// Intake receives every message emitted by a registered agent.
type Intake func(ctx context.Context, msg *protocol.Message) error

// Entry pairs an agent id with its handle.
type Entry struct {
	ID     string
	Handle Handle
	// Generation is unique per registration, so a re-registered id is
	// distinguishable from its predecessor.
	Generation uint64
}

// AgentInfo contains public information about a registered agent.
type AgentInfo struct {
	ID           string
	Status       string
	RegisteredAt time.Time
}

type registration struct {
	id           string
	handle       Handle
	generation   uint64
	registeredAt time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

// Registry maps agent ids to handles. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*registration
	order  []string
	intake Intake
	logger *slog.Logger

	generations uint64 // guarded by mu
}

// NewRegistry creates a registry that feeds agent output into intake.
// A nil intake discards emitted messages.
func NewRegistry(intake Intake, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*registration),
		intake: intake,
		logger: logger.With("component", "registry"),
	}
}

// Register adds a handle under id and returns id.
// Returns ErrDuplicateAgent if the id is taken and ErrInvalidAgentID if the
// id cannot be used as an address.
func (r *Registry) Register(id string, handle Handle) (string, error) {
	if !protocol.ValidAgentID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAgentID, id)
	}
	if handle == nil {
		return "", fmt.Errorf("register %s: handle is nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.generations++
	reg := &registration{
		id:           id,
		handle:       handle,
		generation:   r.generations,
		registeredAt: time.Now().UTC(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	r.agents[id] = reg
	r.order = append(r.order, id)

	if em, ok := handle.(Emitter); ok {
		go r.forward(ctx, reg, em.Outbox())
	} else {
		close(reg.done)
	}

	r.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", id,
		"emitter", isEmitter(handle),
		"total_agents", len(r.agents),
	)
	return id, nil
}

// Unregister detaches the agent's outbox and removes it.
// Returns ErrUnknownAgent if the id is not registered.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	reg, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(r.agents, id)
	r.removeFromOrderLocked(id)
	total := len(r.agents)
	r.mu.Unlock()

	reg.cancel()
	<-reg.done

	r.logger.Info("=== AGENT UNREGISTERED ===",
		"agent_id", id,
		"total_agents", total,
	)
	return nil
}

// Get returns the handle registered under id.
func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return reg.handle, true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// All returns every registered agent in registration order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		reg := r.agents[id]
		entries = append(entries, Entry{ID: id, Handle: reg.handle, Generation: reg.generation})
	}
	return entries
}

// IDs returns registered agent ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Info returns public information about every registered agent.
func (r *Registry) Info() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, AgentInfo{
			ID:           id,
			Status:       StatusRegistered,
			RegisteredAt: r.agents[id].registeredAt,
		})
	}
	return infos
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Close unregisters every agent.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		// A concurrent Unregister may win; that is fine.
		_ = r.Unregister(id)
	}
}

// forward pumps an agent's outbox into the intake until the registration is
// cancelled or the outbox is closed.
func (r *Registry) forward(ctx context.Context, reg *registration, outbox <-chan *protocol.Message) {
	defer close(reg.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbox:
			if !ok {
				r.logger.Debug("agent outbox closed", "agent_id", reg.id)
				return
			}
			if r.intake == nil {
				continue
			}
			if err := r.intake(ctx, msg); err != nil {
				r.logger.Warn("agent message rejected by intake",
					"agent_id", reg.id,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

func (r *Registry) removeFromOrderLocked(id string) {
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func isEmitter(h Handle) bool {
	_, ok := h.(Emitter)
	return ok
}
