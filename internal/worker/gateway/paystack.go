package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.paystack.co"

// ErrUnknownReference is returned when the gateway has no charge for the reference
var ErrUnknownReference = errors.New("payment gateway: unknown reference")

// Verification is the gateway's view of a charge
type Verification struct {
	Reference string
	Status    string // success, failed, abandoned, reversed, ongoing, pending
	Amount    int64  // minor units
	Currency  string
	PaidAt    *time.Time
}

// Settled reports whether the charge has reached a final state
func (v *Verification) Settled() bool {
	switch v.Status {
	case "success", "failed", "abandoned", "reversed":
		return true
	}
	return false
}

// Config holds payment gateway settings
type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// Paystack verifies charges against a Paystack compatible API
type Paystack struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func NewPaystack(cfg Config) *Paystack {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Paystack{
		baseURL:   baseURL,
		secretKey: cfg.SecretKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Reference string     `json:"reference"`
		Status    string     `json:"status"`
		Amount    int64      `json:"amount"`
		Currency  string     `json:"currency"`
		PaidAt    *time.Time `json:"paid_at"`
	} `json:"data"`
}

// Verify calls GET /transaction/verify/{reference}
func (p *Paystack) Verify(ctx context.Context, reference string) (*Verification, error) {
	endpoint := p.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReference, reference)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payment gateway returned status %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if !out.Status {
		return nil, fmt.Errorf("payment gateway rejected verification: %s", out.Message)
	}

	return &Verification{
		Reference: out.Data.Reference,
		Status:    out.Data.Status,
		Amount:    out.Data.Amount,
		Currency:  out.Data.Currency,
		PaidAt:    out.Data.PaidAt,
	}, nil
}
