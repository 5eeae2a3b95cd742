package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
)

type stubSource struct {
	pool  types.PoolSnapshot
	pairs []types.PairSnapshot
}

func (s *stubSource) Snapshots() (types.PoolSnapshot, []types.PairSnapshot) {
	return s.pool, s.pairs
}

type stubHistory struct {
	snapshots []types.PoolSnapshot
	err       error
	lastLimit int
}

func (s *stubHistory) EquityHistory(limit int) ([]types.PoolSnapshot, error) {
	s.lastLimit = limit
	return s.snapshots, s.err
}

type ServerTestSuite struct {
	suite.Suite
	source  *stubSource
	history *stubHistory
	ts      *httptest.Server
}

func (s *ServerTestSuite) SetupTest() {
	s.source = &stubSource{
		pool: types.PoolSnapshot{AvailableUSD: 800, TotalEquity: 1000},
		pairs: []types.PairSnapshot{
			{Symbol: "BTC/USDT", Status: types.EngineStatusRunning, CurrentPrice: 60000},
			{Symbol: "ETH/USDT", Status: types.EngineStatusRunning, CurrentPrice: 3000},
		},
	}
	s.history = &stubHistory{
		snapshots: []types.PoolSnapshot{{TotalEquity: 1002}, {TotalEquity: 1001}},
	}

	server := NewServer(s.source, s.history, logger.NewNopLogger())
	s.ts = httptest.NewServer(server.Router())
}

func (s *ServerTestSuite) TearDownTest() {
	s.ts.Close()
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) get(path string, out any) *http.Response {
	resp, err := http.Get(s.ts.URL + path)
	s.Require().NoError(err)

	defer resp.Body.Close()

	if out != nil {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
	}

	return resp
}

func (s *ServerTestSuite) TestStatusReturnsPoolAndPairs() {
	var body statusResponse

	resp := s.get("/api/v1/status", &body)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(800.0, body.Pool.AvailableUSD)
	s.Require().Len(body.Pairs, 2)
	s.Equal("BTC/USDT", body.Pairs[0].Symbol)
}

func (s *ServerTestSuite) TestPairLookup() {
	var pair types.PairSnapshot

	resp := s.get("/api/v1/pairs/ETH/USDT", &pair)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ETH/USDT", pair.Symbol)
	s.Equal(3000.0, pair.CurrentPrice)
}

func (s *ServerTestSuite) TestUnknownPairIs404() {
	resp := s.get("/api/v1/pairs/DOGE/USDT", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *ServerTestSuite) TestEquityHistoryHonorsLimit() {
	var history []types.PoolSnapshot

	resp := s.get("/api/v1/equity?limit=2", &history)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(2, s.history.lastLimit)
	s.Require().Len(history, 2)
	s.Equal(1002.0, history[0].TotalEquity)
}

func (s *ServerTestSuite) TestEquityHistoryRejectsBadLimit() {
	resp := s.get("/api/v1/equity?limit=abc", nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *ServerTestSuite) TestEquityHistoryErrorIs500() {
	s.history.err = errors.New(errors.ErrCodeStoreQueryFailed, "boom")

	resp := s.get("/api/v1/equity", nil)
	s.Equal(http.StatusInternalServerError, resp.StatusCode)
}

func (s *ServerTestSuite) TestEquityWithoutPersistenceIs404() {
	ts := httptest.NewServer(NewServer(s.source, nil, logger.NewNopLogger()).Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/equity")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *ServerTestSuite) TestHealthz() {
	var body map[string]string

	resp := s.get("/healthz", &body)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", body["status"])
}

func (s *ServerTestSuite) TestStartStopOnRandomPort() {
	server := NewServer(s.source, s.history, logger.NewNopLogger())
	s.Require().NoError(server.Start(""))
	s.NotEmpty(server.Address())

	resp, err := http.Get("http://" + server.Address() + "/healthz")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	s.Require().NoError(server.Stop(context.Background()))
}
