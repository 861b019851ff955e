package account

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/observability/metrics"
	"NUMA-Market/pkg/logger"
)

// Registry owns every registered agent.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	// persisting serialises writes per agent so the store keeps the newest balance.
	persisting map[string]*sync.Mutex
	// registering holds ids whose first write is in progress.
	registering map[string]struct{}

	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore enables write-through persistence.
func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		agents:      make(map[string]*Agent),
		persisting:  make(map[string]*sync.Mutex),
		registering: make(map[string]struct{}),
		logger:      logger.Named("account"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Load restores agents from the store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	states, err := r.store.ListAgents(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "load agents")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range states {
		r.agents[st.ID] = &Agent{Profile: st.Profile, Account: NewAccount(st.ID, st.Balance)}
		r.persisting[st.ID] = &sync.Mutex{}
		metrics.SetAgentBalance(st.ID, st.Balance)
	}
	r.logger.Info("agents loaded", slog.Int("count", len(states)))
	return nil
}

// Register creates an agent with the given starting balance. A duplicate id
// fails with CONFLICT.
func (r *Registry) Register(ctx context.Context, profile Profile, initial *big.Int) (*Agent, error) {
	if err := profile.normalize(); err != nil {
		return nil, err
	}
	if initial != nil && initial.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "initial balance must be non-negative")
	}
	profile.CreatedAt = r.now().UnixMilli()

	r.mu.Lock()
	_, exists := r.agents[profile.ID]
	_, pending := r.registering[profile.ID]
	if exists || pending {
		r.mu.Unlock()
		return nil, xerrors.Newf(xerrors.CodeConflict, "agent %s already registered", profile.ID)
	}
	r.registering[profile.ID] = struct{}{}
	r.mu.Unlock()

	// the agent becomes visible only once the store has it
	agent := &Agent{Profile: profile, Account: NewAccount(profile.ID, initial)}
	err := r.save(ctx, agent)
	r.mu.Lock()
	delete(r.registering, profile.ID)
	if err == nil {
		r.agents[profile.ID] = agent
		r.persisting[profile.ID] = &sync.Mutex{}
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.logger.Info("agent registered",
		slog.String("agent_id", profile.ID),
		slog.String("strategy", profile.Strategy),
		slog.Float64("min_reputation", profile.MinReputation))
	return agent, nil
}

// Get returns the agent or NOT_FOUND.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "agent %s not found", agentID)
	}
	return agent, nil
}

// List returns the state of every agent ordered by id.
func (r *Registry) List() []State {
	r.mu.RLock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	out := make([]State, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Credit tops up an agent's wallet and persists the new balance.
func (r *Registry) Credit(ctx context.Context, agentID string, amount *big.Int) (*big.Int, error) {
	agent, err := r.Get(agentID)
	if err != nil {
		return nil, err
	}
	if err := agent.Account.Credit(amount); err != nil {
		return nil, err
	}
	return agent.Account.Balance(), r.Persist(ctx, agentID)
}

// Persist writes the agent's current state to the store.
func (r *Registry) Persist(ctx context.Context, agentID string) error {
	r.mu.RLock()
	agent, ok := r.agents[agentID]
	lock := r.persisting[agentID]
	r.mu.RUnlock()
	if !ok {
		return xerrors.Newf(xerrors.CodeNotFound, "agent %s not found", agentID)
	}

	lock.Lock()
	defer lock.Unlock()
	return r.save(ctx, agent)
}

func (r *Registry) save(ctx context.Context, agent *Agent) error {
	state := agent.State()
	if r.store != nil {
		if err := r.store.PutAgent(ctx, state); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist agent "+state.ID)
		}
	}
	metrics.SetAgentBalance(state.ID, state.Balance)
	return nil
}
