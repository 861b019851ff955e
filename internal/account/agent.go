package account

import (
	"math/big"
	"strings"

	xerrors "NUMA-Market/internal/errors"
)

// Defaults applied to profiles registered without explicit preferences.
const (
	DefaultMinReputation = 80.0
	DefaultStrategy      = "balanced"
)

// Profile holds an agent's matching preferences.
type Profile struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	MinReputation float64 `json:"min_reputation"`
	Strategy      string  `json:"strategy"`
	CreatedAt     int64   `json:"created_at"`
}

func (p *Profile) normalize() error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	if p.MinReputation < 0 || p.MinReputation > 100 {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "min reputation %.2f outside [0, 100]", p.MinReputation)
	}
	if p.MinReputation == 0 {
		p.MinReputation = DefaultMinReputation
	}
	p.Strategy = strings.TrimSpace(p.Strategy)
	if p.Strategy == "" {
		p.Strategy = DefaultStrategy
	}
	return nil
}

// Agent pairs a profile with its wallet.
type Agent struct {
	Profile Profile
	Account *Account
}

// State is the persisted form of an agent.
type State struct {
	Profile
	Balance *big.Int `json:"balance"`
}

// State captures the agent and its current balance.
func (a *Agent) State() State {
	return State{Profile: a.Profile, Balance: a.Account.Balance()}
}
