package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"NUMA-Market/internal/observability/metrics"
	"NUMA-Market/pkg/logger"
)

// Header names of the x402 call protocol.
const (
	HeaderSignature = "X-402-Signature"
	HeaderReference = "X-402-Reference"
	HeaderCaller    = "X-402-Caller"

	callPath = "/x402/call"
)

// ErrCircuitOpen is returned when a provider's circuit refuses the call.
var ErrCircuitOpen = errors.New("circuit open")

// CallBody is the JSON document posted to {endpoint}/x402/call.
type CallBody struct {
	APIID     string `json:"apiId"`
	CallData  string `json:"callData"`
	Caller    string `json:"caller"`
	Reference string `json:"reference"`
}

// X402Config configures the HTTP executor.
type X402Config struct {
	Signer           *Signer
	Client           *http.Client
	Breakers         *Breakers
	MaxResponseBytes int64
}

// X402 posts signed calls to provider endpoints.
type X402 struct {
	signer   *Signer
	client   *http.Client
	breakers *Breakers
	limit    int64
	logger   *slog.Logger
}

// NewX402 creates the executor. Without a signer requests go unsigned.
func NewX402(cfg X402Config) *X402 {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	limit := cfg.MaxResponseBytes
	if limit <= 0 {
		limit = 4 << 20
	}
	return &X402{
		signer:   cfg.Signer,
		client:   client,
		breakers: cfg.Breakers,
		limit:    limit,
		logger:   logger.Named("executor"),
	}
}

// Reserve implements Availability on the provider's circuit.
func (x *X402) Reserve(providerID string) (func(), bool) {
	return x.breakers.Reserve(providerID)
}

// Invoke posts the call and returns the provider's response body.
func (x *X402) Invoke(ctx context.Context, call Call) (Result, error) {
	if !call.Admitted && !x.breakers.Allow(call.ProviderID) {
		return Result{}, fmt.Errorf("provider %s: %w", call.ProviderID, ErrCircuitOpen)
	}
	start := time.Now()
	result, err := x.do(ctx, call)
	result.Elapsed = time.Since(start)

	x.breakers.Record(call.ProviderID, err == nil)
	metrics.ObserveExternalCall("executor", err == nil, result.Elapsed)
	if err != nil {
		x.logger.Warn("provider call failed",
			slog.String("provider_id", call.ProviderID),
			slog.String("api_id", call.APIID),
			slog.Int("status", result.StatusCode),
			slog.Duration("elapsed", result.Elapsed),
			slog.Any("error", err))
	}
	return result, err
}

func (x *X402) do(ctx context.Context, call Call) (Result, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(call.Endpoint), "/")
	if endpoint == "" {
		return Result{}, fmt.Errorf("listing %s/%s has no endpoint", call.ProviderID, call.APIID)
	}

	body := CallBody{APIID: call.APIID, CallData: string(call.Payload), Caller: call.Caller, Reference: call.Reference}
	if x.signer != nil {
		body.Caller = x.signer.Address().Hex()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("encode call body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+callPath, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderReference, call.Reference)
	req.Header.Set(HeaderCaller, call.Caller)
	if x.signer != nil {
		sig, err := x.signer.Sign(call.APIID, call.Payload)
		if err != nil {
			return Result{}, err
		}
		req.Header.Set(HeaderSignature, sig)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, x.limit+1))
	result := Result{StatusCode: resp.StatusCode}
	if err != nil {
		return result, fmt.Errorf("read provider response: %w", err)
	}
	if int64(len(data)) > x.limit {
		return result, fmt.Errorf("provider response exceeds %d bytes", x.limit)
	}
	result.Data = data
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("provider returned %d: %s", resp.StatusCode, snippet(data))
	}
	return result, nil
}

func snippet(data []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

var (
	_ Executor     = (*X402)(nil)
	_ Availability = (*X402)(nil)
)
