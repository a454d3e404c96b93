package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/unijobs/platform/internal/metrics"
)

// DefaultTimeout bounds a single payment lookup.
const DefaultTimeout = 15 * time.Second

const maxResponseSize = 1 << 20 // 1MB

// Config configures the gateway client.
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration // 0 means DefaultTimeout
}

// Client fetches payment records from the gateway over HTTPS.
type Client struct {
	baseURL     string
	accessToken string
	http        *http.Client
}

// New creates a gateway client. The access token is required: without it
// every lookup would 401 and reconciliation would silently stall.
func New(cfg Config) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("gateway: access token is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base URL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		http:        &http.Client{Timeout: timeout},
	}, nil
}

// paymentWire matches the gateway's JSON. The payment id arrives as a number
// and metadata values are untyped; both are normalized to strings.
type paymentWire struct {
	ID                json.Number    `json:"id"`
	Status            string         `json:"status"`
	TransactionAmount float64        `json:"transaction_amount"`
	ExternalReference string         `json:"external_reference"`
	Metadata          map[string]any `json:"metadata"`
}

// FetchPayment retrieves the authoritative record for a payment id.
// Failures map to ErrNotFound, ErrUnauthorized, *ServerError, or
// ErrUnreachable. No retries are performed.
func (c *Client) FetchPayment(ctx context.Context, id string) (*Payment, error) {
	url := fmt.Sprintf("%s/v1/payments/%s", c.baseURL, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.GatewayRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("unreachable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("unreachable").Inc()
		return nil, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.GatewayRequestsTotal.WithLabelValues("not_found").Inc()
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		metrics.GatewayRequestsTotal.WithLabelValues("unauthorized").Inc()
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		metrics.GatewayRequestsTotal.WithLabelValues("server_error").Inc()
		return nil, &ServerError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var wire paymentWire
	if err := json.Unmarshal(body, &wire); err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("server_error").Inc()
		return nil, &ServerError{Status: resp.StatusCode, Body: "unparsable payment body"}
	}

	metrics.GatewayRequestsTotal.WithLabelValues("ok").Inc()
	return &Payment{
		ID:                wire.ID.String(),
		Status:            wire.Status,
		TransactionAmount: wire.TransactionAmount,
		ExternalReference: wire.ExternalReference,
		Metadata:          stringifyMetadata(wire.Metadata),
	}, nil
}

// stringifyMetadata flattens untyped metadata values to strings. Numeric
// values are common: the gateway stores metadata numbers as JSON floats.
func stringifyMetadata(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			if val == float64(int64(val)) {
				out[k] = strconv.FormatInt(int64(val), 10)
			} else {
				out[k] = strconv.FormatFloat(val, 'f', -1, 64)
			}
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
			// skip
		default:
			raw, err := json.Marshal(val)
			if err == nil {
				out[k] = string(raw)
			}
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
