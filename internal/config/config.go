// Package config loads and validates the YAML bot configuration.
package config

import (
	"encoding/json"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/tern-labs/gridtrader/internal/exchange"
	"github.com/tern-labs/gridtrader/internal/risk"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FeedConfig selects the spot price source for live runs.
type FeedConfig struct {
	BaseURL          string  `yaml:"base_url" json:"base_url" jsonschema:"title=Base URL,description=Spot price API base URL; empty uses the Coinbase public API"`
	PollIntervalSecs float64 `yaml:"poll_interval_secs" json:"poll_interval_secs" validate:"gte=0" jsonschema:"title=Poll Interval Seconds,minimum=0"`
}

// DashboardConfig controls the read-only HTTP API.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" jsonschema:"title=Enabled"`
	Address string `yaml:"address" json:"address" jsonschema:"title=Address,description=Listen address such as :8080; empty picks a random port"`
}

// PersistenceConfig controls the embedded duckdb store.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" jsonschema:"title=Enabled"`
	Path    string `yaml:"path" json:"path" jsonschema:"title=Path,description=Database file path; :memory: for a throwaway store"`
}

// BotConfig is the full configuration of one bot process.
type BotConfig struct {
	InitialCapitalUSD float64              `yaml:"initial_capital_usd" json:"initial_capital_usd" validate:"required,gt=0" jsonschema:"title=Initial Capital USD,minimum=0"`
	SnapshotSecs      float64              `yaml:"snapshot_secs" json:"snapshot_secs" validate:"gte=0" jsonschema:"title=Snapshot Interval Seconds,minimum=0"`
	Grids             []types.GridConfig   `yaml:"grids" json:"grids" validate:"required,min=1,dive" jsonschema:"title=Grids,description=One grid per trading pair"`
	Risk              risk.Config          `yaml:"risk" json:"risk" validate:"required" jsonschema:"title=Risk Limits"`
	Paper             exchange.PaperConfig `yaml:"paper" json:"paper" jsonschema:"title=Paper Exchange"`
	Feed              FeedConfig           `yaml:"feed" json:"feed" jsonschema:"title=Price Feed"`
	Dashboard         DashboardConfig      `yaml:"dashboard" json:"dashboard" jsonschema:"title=Dashboard"`
	Persistence       PersistenceConfig    `yaml:"persistence" json:"persistence" jsonschema:"title=Persistence"`
}

// Load reads, parses, and validates a YAML config file.
func Load(path string) (BotConfig, error) {
	var cfg BotConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(errors.ErrCodeInvalidConfig, err, "cannot read config file %s", path)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(errors.ErrCodeInvalidConfig, err, "cannot parse config file %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the struct tags plus the cross-field and cross-section
// invariants a tag cannot express.
func (c *BotConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid bot config", err)
	}

	seen := make(map[string]bool, len(c.Grids))

	for i := range c.Grids {
		grid := &c.Grids[i]
		if err := grid.Validate(); err != nil {
			return err
		}

		if seen[grid.Symbol] {
			return errors.Newf(errors.ErrCodeInvalidConfig, "duplicate grid for symbol %s", grid.Symbol)
		}

		seen[grid.Symbol] = true
	}

	if err := c.Risk.Validate(); err != nil {
		return err
	}

	if err := c.Paper.Validate(); err != nil {
		return err
	}

	return nil
}

// GenerateSchema builds the JSON schema for the config file.
func (c *BotConfig) GenerateSchema() (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
	}

	schema := reflector.Reflect(c)
	schema.Title = "gridtrader-config"
	schema.Description = "Configuration schema for the grid trading bot"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return schema, nil
}

// GenerateSchemaJSON renders GenerateSchema as indented JSON.
func (c *BotConfig) GenerateSchemaJSON() (string, error) {
	schema, err := c.GenerateSchema()
	if err != nil {
		return "", err
	}

	schemaBytes, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}

	return string(schemaBytes), nil
}
