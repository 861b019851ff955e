package catalog

import (
	"math/big"
	"strings"

	xerrors "NUMA-Market/internal/errors"
)

// EndpointType classifies what a provider endpoint serves.
type EndpointType string

const (
	EndpointREST          EndpointType = "rest-api"
	EndpointDatabaseQuery EndpointType = "database-query"
	EndpointComputation   EndpointType = "computation"
	EndpointDataStream    EndpointType = "data-stream"
)

// MaxReputation is the upper bound of provider reputation scores.
const MaxReputation = 100.0

// ID identifies a listing by its provider and api.
type ID struct {
	ProviderID string `json:"provider_id"`
	APIID      string `json:"api_id"`
}

func (id ID) String() string { return id.ProviderID + "/" + id.APIID }

// Less orders ids by provider first, then api.
func (id ID) Less(other ID) bool {
	if id.ProviderID != other.ProviderID {
		return id.ProviderID < other.ProviderID
	}
	return id.APIID < other.APIID
}

// Stats are per-listing activity counters maintained by settlement.
type Stats struct {
	Calls           uint64   `json:"calls"`
	SuccessfulCalls uint64   `json:"successful_calls"`
	Earnings        *big.Int `json:"earnings"`
}

// Listing is a priced API offering owned by a provider.
type Listing struct {
	ProviderID   string       `json:"provider_id"`
	APIID        string       `json:"api_id"`
	Name         string       `json:"name,omitempty"`
	Description  string       `json:"description,omitempty"`
	Category     string       `json:"category"`
	Endpoint     string       `json:"endpoint"`
	EndpointType EndpointType `json:"endpoint_type,omitempty"`
	// PayTo overrides the payee used for settlement. Empty means ProviderID.
	PayTo      string   `json:"pay_to,omitempty"`
	Price      *big.Int `json:"price"`
	Reputation float64  `json:"reputation"`
	Active     bool     `json:"active"`
	Stats      Stats    `json:"stats"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

// ID returns the listing identity.
func (l Listing) ID() ID { return ID{ProviderID: l.ProviderID, APIID: l.APIID} }

// Reliability is the reputation normalised to [0, 1].
func (l Listing) Reliability() float64 { return l.Reputation / MaxReputation }

// Payee returns the account that receives payment for this listing.
func (l Listing) Payee() string {
	if l.PayTo != "" {
		return l.PayTo
	}
	return l.ProviderID
}

// Clone returns a deep copy.
func (l Listing) Clone() Listing {
	c := l
	c.Price = cloneInt(l.Price)
	c.Stats.Earnings = cloneInt(l.Stats.Earnings)
	return c
}

// Validate checks the fields a listing must carry before it enters the catalog.
func (l Listing) Validate() error {
	switch {
	case strings.TrimSpace(l.ProviderID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "provider id is required")
	case strings.TrimSpace(l.APIID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "api id is required")
	case l.Price == nil:
		return xerrors.New(xerrors.CodeInvalidArgument, "price is required")
	case l.Price.Sign() < 0:
		return xerrors.New(xerrors.CodeInvalidArgument, "price must be non-negative")
	case l.Reputation < 0 || l.Reputation > MaxReputation:
		return xerrors.Newf(xerrors.CodeInvalidArgument, "reputation %.2f outside [0, 100]", l.Reputation)
	}
	return nil
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
