package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) TestLoadValidConfig() {
	cfg, err := Load("testdata/bot.yaml")
	s.Require().NoError(err)

	s.Equal(10000.0, cfg.InitialCapitalUSD)
	s.Require().Len(cfg.Grids, 2)
	s.Equal("BTC/USDT", cfg.Grids[0].Symbol)
	s.Equal(types.SpacingArithmetic, cfg.Grids[0].Spacing)
	s.True(cfg.Grids[0].TrailingEnabled)
	s.Equal(types.SpacingGeometric, cfg.Grids[1].Spacing)
	s.Equal(10.0, cfg.Risk.StopLossPct)
	s.Equal(0.001, cfg.Paper.FeeRate)
	s.True(cfg.Dashboard.Enabled)
	s.Equal(":8080", cfg.Dashboard.Address)
	s.Equal("gridtrader.db", cfg.Persistence.Path)
}

func (s *ConfigTestSuite) TestLoadMissingFile() {
	_, err := Load("testdata/nope.yaml")
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func (s *ConfigTestSuite) TestLoadMalformedYAML() {
	path := s.writeConfig("grids: [not a grid")

	_, err := Load(path)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func (s *ConfigTestSuite) TestDuplicateSymbolRejected() {
	data, err := os.ReadFile("testdata/bot.yaml")
	s.Require().NoError(err)

	doubled := strings.ReplaceAll(string(data), "ETH/USDT", "BTC/USDT")
	path := s.writeConfig(doubled)

	_, err = Load(path)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeInvalidConfig))
	s.Contains(err.Error(), "duplicate grid")
}

func (s *ConfigTestSuite) TestInvertedGridRangeRejected() {
	data, err := os.ReadFile("testdata/bot.yaml")
	s.Require().NoError(err)

	inverted := strings.Replace(string(data), "lower_price: 55000", "lower_price: 70000", 1)
	path := s.writeConfig(inverted)

	_, err = Load(path)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func (s *ConfigTestSuite) TestEmptyGridsRejected() {
	path := s.writeConfig("initial_capital_usd: 1000\ngrids: []\n")

	_, err := Load(path)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func (s *ConfigTestSuite) TestGenerateSchemaJSON() {
	cfg := BotConfig{}

	schemaJSON, err := cfg.GenerateSchemaJSON()
	s.Require().NoError(err)
	s.Contains(schemaJSON, "gridtrader-config")
	s.Contains(schemaJSON, "initial_capital_usd")
	s.Contains(schemaJSON, "grids")
	s.Contains(schemaJSON, "max_drawdown_pct")
}

func (s *ConfigTestSuite) writeConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "bot.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))

	return path
}
