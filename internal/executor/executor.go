// Package executor invokes provider endpoints once a settlement has paid for
// the call.
package executor

import (
	"context"
	"time"
)

// Call identifies the endpoint to invoke and what to send it.
type Call struct {
	ProviderID string
	APIID      string
	Endpoint   string
	Payload    []byte
	// Caller is the agent on whose behalf the call is made.
	Caller string
	// Reference is the payment reference the provider can verify.
	Reference string
	// Admitted marks a call whose slot was already claimed through
	// Availability.Reserve; the executor sends it without asking again.
	Admitted bool
}

// Result describes one invocation. Elapsed and StatusCode are set even when
// the invocation fails.
type Result struct {
	Data       []byte
	StatusCode int
	Elapsed    time.Duration
}

// Executor invokes provider endpoints. A non-nil error means the call failed;
// its message is the error detail recorded for the settlement.
type Executor interface {
	Invoke(ctx context.Context, call Call) (Result, error)
}

// Availability is implemented by executors that can refuse a provider before
// any funds move. A successful Reserve must be followed either by an Invoke
// with Admitted set or by release.
type Availability interface {
	Reserve(providerID string) (release func(), ok bool)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, call Call) (Result, error)

func (f Func) Invoke(ctx context.Context, call Call) (Result, error) { return f(ctx, call) }
