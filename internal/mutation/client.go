// Package mutation is the HTTP bridge to the E2E mutation server: a test
// fixture that holds a mutable key/value state used to simulate website
// changes for deterministic evaluation. The mutation server is an
// out-of-scope external collaborator; this package only knows its
// documented REST contract (GET /api/state, POST /api/state, POST
// /api/reset).
package mutation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/corvidlabs/watchloop/internal/model"
)

// Config controls the mutation-server client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Defaults returns a 10 second request timeout, matching the bridge's
// short-timeout-non-fatal contract.
func Defaults() Config {
	return Config{Timeout: 10 * time.Second}
}

// Client talks to the mutation server. Failures are treated as
// non-fatal by callers: a mutation that can't be applied is logged and
// the cycle proceeds, since the probe's next observation will simply
// reflect the unmutated state.
type Client struct {
	cfg  Config
	http *http.Client
}

// New returns a Client for the given config.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// State returns the mutation server's current field/value map.
func (c *Client) State(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/state", nil)
	if err != nil {
		return nil, fmt.Errorf("mutation: build state request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mutation: state request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mutation: state request returned %s", resp.Status)
	}
	var state map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("mutation: decode state response: %w", err)
	}
	return state, nil
}

// Apply applies a mutation (field/value pair) as a partial update,
// coercing the mutation's string value to the field's server-side type
// by field name before sending.
func (c *Client) Apply(ctx context.Context, mut model.Mutation) error {
	body, err := json.Marshal(map[string]any{mut.Field: coerceValue(mut.Field, mut.Value)})
	if err != nil {
		return fmt.Errorf("mutation: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/state", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mutation: build apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mutation: apply request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mutation: apply request returned %s", resp.Status)
	}
	return nil
}

// Reset restores the mutation server's fixture state to its baseline.
func (c *Client) Reset(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/reset", nil)
	if err != nil {
		return fmt.Errorf("mutation: build reset request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mutation: reset request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mutation: reset request returned %s", resp.Status)
	}
	return nil
}

// listFields are server fields whose type is a JSON list.
var listFields = map[string]bool{"releases": true, "articles": true}

// boolFields are server fields whose type is a bool flag.
var boolFields = map[string]bool{
	"include_timestamp":  true,
	"include_tracking":   true,
	"include_random_id":  true,
	"return_empty":       true,
	"return_malformed":   true,
}

// optionalIntFields are server fields whose type is an optional int,
// clearable by an empty or null string value.
var optionalIntFields = map[string]bool{"error_code": true}

// floatFields are server fields whose type is a float.
var floatFields = map[string]bool{"delay_seconds": true}

// coerceValue converts a mutation's string value into the type the
// mutation server expects for that field, per its fixed field-name
// table. Unrecognized fields (product_price, product_stock,
// product_name, status, status_message, ad_variant, ...) stay strings.
func coerceValue(field, raw string) any {
	switch {
	case listFields[field]:
		var parsed []any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			return parsed
		}
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
		return items

	case boolFields[field]:
		lower := strings.ToLower(raw)
		return lower == "true" || lower == "1" || lower == "yes"

	case optionalIntFields[field]:
		lower := strings.ToLower(raw)
		if lower == "" || lower == "none" || lower == "null" {
			return nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil
		}
		return n

	case floatFields[field]:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0.0
		}
		return f

	default:
		return raw
	}
}
