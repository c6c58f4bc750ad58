package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// EngineConfig holds the RAG engine connection settings.
//
// The engine is optional: with no BaseURL the pipeline still parses and
// stores documents, it just skips the post-parse text push, and the query
// proxy reports the engine as unconfigured.
type EngineConfig struct {
	// BaseURL is the engine endpoint, e.g. "http://localhost:9621".
	// Empty disables the engine integration.
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	// APIKey is sent as X-API-KEY on every engine request (optional).
	APIKey string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	// Timeout bounds one engine round trip (default: 90s; engine queries
	// can be slow).
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// Enabled reports whether an engine endpoint is configured.
func (e EngineConfig) Enabled() bool {
	return e.BaseURL != ""
}

// MarshalJSON masks the API key. See Config.MarshalJSON.
func (e EngineConfig) MarshalJSON() ([]byte, error) {
	type alias EngineConfig
	a := alias(e)
	a.APIKey = maskSecret(a.APIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal engine config: %w", err)
	}
	return data, nil
}
