// Package config loads per-route guard policies from a JSON document,
// validated against an embedded JSON Schema before anything is
// unmarshalled.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	payguard "github.com/meshpay/payguard"
)

const schema = `{
  "type": "object",
  "required": ["routes"],
  "additionalProperties": false,
  "properties": {
    "ledger_name": {"type": "string", "minLength": 1},
    "defaults": {"$ref": "#/definitions/policy"},
    "routes": {
      "type": "object",
      "additionalProperties": {"$ref": "#/definitions/policy"}
    }
  },
  "definitions": {
    "policy": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
        "ttl_seconds": {"type": "integer", "minimum": 1},
        "proof_expiration_seconds": {"type": "integer", "minimum": 1},
        "session_duration_seconds": {"type": "integer", "minimum": 1},
        "track_origin": {"type": "boolean"},
        "max_usage": {"type": "integer", "minimum": 1},
        "public": {"type": "boolean"},
        "description": {"type": "string"},
        "accept_pending": {"type": "boolean"},
        "verify_sender": {"type": "boolean"},
        "allowed_senders": {"type": "array", "items": {"type": "string"}},
        "verify_timestamp": {"type": "boolean"}
      }
    }
  }
}`

type policyDoc struct {
	Amount                 *string  `json:"amount"`
	TTLSeconds             *int     `json:"ttl_seconds"`
	ProofExpirationSeconds *int     `json:"proof_expiration_seconds"`
	SessionDurationSeconds *int     `json:"session_duration_seconds"`
	TrackOrigin            *bool    `json:"track_origin"`
	MaxUsage               *int     `json:"max_usage"`
	Public                 *bool    `json:"public"`
	Description            *string  `json:"description"`
	AcceptPending          *bool    `json:"accept_pending"`
	VerifySender           *bool    `json:"verify_sender"`
	AllowedSenders         []string `json:"allowed_senders"`
	VerifyTimestamp        *bool    `json:"verify_timestamp"`
}

type document struct {
	LedgerName string               `json:"ledger_name"`
	Defaults   *policyDoc           `json:"defaults"`
	Routes     map[string]policyDoc `json:"routes"`
}

// Config holds the validated route policies.
type Config struct {
	LedgerName string
	routes     map[string]payguard.Policy
}

// Load reads and validates the policy file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes a policy document.
func Parse(data []byte) (*Config, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg := &Config{
		LedgerName: doc.LedgerName,
		routes:     make(map[string]payguard.Policy, len(doc.Routes)),
	}
	for route, pd := range doc.Routes {
		policy, err := buildPolicy(doc.Defaults, pd)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", route, err)
		}
		cfg.routes[route] = policy
	}
	return cfg, nil
}

// PolicyFor returns the policy configured for a route.
func (c *Config) PolicyFor(route string) (payguard.Policy, bool) {
	p, ok := c.routes[route]
	return p, ok
}

// Routes returns the configured route paths.
func (c *Config) Routes() []string {
	out := make([]string, 0, len(c.routes))
	for route := range c.routes {
		out = append(out, route)
	}
	return out
}

func buildPolicy(defaults *policyDoc, pd policyDoc) (payguard.Policy, error) {
	policy := payguard.Policy{Verify: payguard.DefaultVerifyPolicy()}

	apply := func(d policyDoc) {
		if d.Amount != nil {
			policy.Amount = *d.Amount
		}
		if d.TTLSeconds != nil {
			policy.TTLSeconds = *d.TTLSeconds
		}
		if d.ProofExpirationSeconds != nil {
			policy.ProofExpirationSeconds = *d.ProofExpirationSeconds
		}
		if d.SessionDurationSeconds != nil {
			policy.SessionDuration = time.Duration(*d.SessionDurationSeconds) * time.Second
		}
		if d.TrackOrigin != nil {
			policy.TrackOrigin = *d.TrackOrigin
		}
		if d.MaxUsage != nil {
			policy.MaxUsage = *d.MaxUsage
		}
		if d.Public != nil {
			policy.Public = *d.Public
		}
		if d.Description != nil {
			policy.Description = *d.Description
		}
		if d.AcceptPending != nil {
			policy.Verify.AcceptPending = *d.AcceptPending
		}
		if d.VerifySender != nil {
			policy.Verify.VerifySender = *d.VerifySender
		}
		if d.AllowedSenders != nil {
			policy.Verify.AllowedSenders = d.AllowedSenders
		}
		if d.VerifyTimestamp != nil {
			policy.Verify.VerifyTimestamp = *d.VerifyTimestamp
		}
	}

	if defaults != nil {
		apply(*defaults)
	}
	apply(pd)

	if policy.Amount == "" {
		return payguard.Policy{}, fmt.Errorf("no amount configured")
	}
	if _, err := payguard.ToBaseUnits(policy.Amount); err != nil {
		return payguard.Policy{}, err
	}
	return policy, nil
}
