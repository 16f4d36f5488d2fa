package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
)

// HTTPProvider talks to an external route provider over its JSON API. It is
// the production implementation of Provider, selected explicitly at wiring
// time; it never falls back to the simulator.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider client for the given base URL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type routesResponse struct {
	Routes []Route `json:"routes"`
}

func (p *HTTPProvider) Routes(ctx context.Context, source, target network.Network, amount money.Amount, token string) ([]Route, error) {
	q := url.Values{}
	q.Set("source", string(source))
	q.Set("target", string(target))
	q.Set("amount", strconv.FormatInt(int64(amount), 10))
	if token != "" {
		q.Set("token", token)
	}

	var out routesResponse
	if err := p.getJSON(ctx, "/v1/routes?"+q.Encode(), &out); err != nil {
		if errors.Is(err, ErrUnknownRef) {
			return nil, ErrNoRoute
		}
		return nil, err
	}
	if len(out.Routes) == 0 {
		return nil, ErrNoRoute
	}
	return out.Routes, nil
}

func (p *HTTPProvider) EstimateFees(ctx context.Context, source, target network.Network, amount money.Amount, token string) (FeeEstimate, error) {
	q := url.Values{}
	q.Set("source", string(source))
	q.Set("target", string(target))
	q.Set("amount", strconv.FormatInt(int64(amount), 10))
	if token != "" {
		q.Set("token", token)
	}

	var out FeeEstimate
	if err := p.getJSON(ctx, "/v1/fees?"+q.Encode(), &out); err != nil {
		return FeeEstimate{}, err
	}
	return out, nil
}

type submitStepRequest struct {
	Bridge  string `json:"bridge"`
	Kind    string `json:"kind"`
	Source  string `json:"source"`
	Target  string `json:"target"`
	Amount  int64  `json:"amount"`
	Token   string `json:"token,omitempty"`
	From    string `json:"from"`
	To      string `json:"to"`
	StepRef string `json:"stepRef"`
}

type submitStepResponse struct {
	Ref string `json:"ref"`
}

func (p *HTTPProvider) SubmitStep(ctx context.Context, req StepRequest) (string, error) {
	body, err := json.Marshal(submitStepRequest{
		Bridge:  req.Bridge,
		Kind:    req.Kind,
		Source:  string(req.Source),
		Target:  string(req.Target),
		Amount:  int64(req.Amount),
		Token:   req.Token,
		From:    req.From,
		To:      req.To,
		StepRef: req.StepRef,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode step request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/steps", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// The provider deduplicates submissions on this key.
	httpReq.Header.Set("Idempotency-Key", req.StepRef)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to submit step: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("route provider returned status %d", resp.StatusCode)
	}

	var out submitStepResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode step response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("route provider returned empty step ref")
	}
	return out.Ref, nil
}

type stepStatusResponse struct {
	Status string `json:"status"`
}

func (p *HTTPProvider) StepStatus(ctx context.Context, externalRef string) (ExternalStatus, error) {
	var out stepStatusResponse
	err := p.getJSON(ctx, "/v1/steps/"+url.PathEscape(externalRef), &out)
	if err != nil {
		return "", err
	}

	switch ExternalStatus(out.Status) {
	case ExternalPending, ExternalConfirmed, ExternalFailed:
		return ExternalStatus(out.Status), nil
	default:
		return "", fmt.Errorf("route provider returned unknown status %q", out.Status)
	}
}

func (p *HTTPProvider) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("route provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownRef
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("route provider returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode route provider response: %w", err)
	}
	return nil
}

// Compile-time assertion.
var _ Provider = (*HTTPProvider)(nil)
