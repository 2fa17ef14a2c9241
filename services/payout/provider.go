package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"shareyoursales-ace/pkg/config"
	"shareyoursales-ace/pkg/errutil"
)

// SendRequest is the transfer order handed to a provider.
type SendRequest struct {
	Reference         string `json:"reference"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency"`
	AccountDescriptor string `json:"account_descriptor"`
}

// Ack is the provider's acceptance of a transfer order.
type Ack struct {
	ExternalTxID string `json:"external_tx_id"`
}

// StatusReport is a provider's answer to a settlement poll.
type StatusReport struct {
	Settled bool   `json:"settled"`
	Failed  bool   `json:"failed"`
	Reason  string `json:"reason"`
}

// Provider moves money. Send must be idempotent on Reference; providers that
// are not are fronted by their own dedup.
type Provider interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (Ack, error)
	CheckStatus(ctx context.Context, externalTxID string) (StatusReport, error)
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for name, pc := range cfg.Providers {
		r.providers[name] = &httpProvider{name: name, cfg: pc, client: &http.Client{}}
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, errutil.NotFound("payout provider not configured", nil)
	}
	return p, nil
}

// Register replaces or adds a provider. Tests use it to install fakes.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// httpProvider speaks the platform's uniform transfer API: every provider
// integration is deployed as a sidecar translating this shape to the real
// rails (paypal, sepa, cashplus, orange_money, mt_cash, wafacash).
type httpProvider struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) Send(ctx context.Context, req SendRequest) (Ack, error) {
	var ack Ack
	if err := p.post(ctx, "/transfers", req, &ack); err != nil {
		return Ack{}, err
	}
	if ack.ExternalTxID == "" {
		return Ack{}, errutil.ProviderTerminal("provider accepted transfer without a transaction id", nil)
	}
	return ack, nil
}

func (p *httpProvider) CheckStatus(ctx context.Context, externalTxID string) (StatusReport, error) {
	var report StatusReport
	err := p.post(ctx, "/transfers/status", map[string]string{"external_tx_id": externalTxID}, &report)
	return report, err
}

func (p *httpProvider) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errutil.Internal("failed to encode provider request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return errutil.Internal("failed to build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		// Network failures and deadline hits are worth retrying.
		if errors.Is(err, context.DeadlineExceeded) {
			return errutil.ProviderTransient("provider call timed out", err)
		}
		return errutil.ProviderTransient("provider unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errutil.ProviderTransient(fmt.Sprintf("provider returned %d", resp.StatusCode), nil)
	default:
		return errutil.ProviderTerminal(fmt.Sprintf("provider rejected request with %d", resp.StatusCode), nil)
	}
}
