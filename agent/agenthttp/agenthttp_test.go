package agenthttp

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielksan81/Perun/agent"
	"github.com/danielksan81/Perun/ledger"
	"github.com/danielksan81/Perun/metrics"
	"github.com/danielksan81/Perun/state"
)

func newAgent(t *testing.T, m metrics.Collector) *agent.Agent {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	alice := ledger.NewKeyIdentity(key, big.NewInt(1337))
	a := agent.NewAgent(agent.Config{
		Handle: state.Handle{
			Channel:   common.HexToAddress("0x0000000000000000000000000000000000000c01"),
			Initiator: alice.Address(),
		},
		Round:      state.Round{SequenceID: 1, Version: 1, BlockedInitiator: big.NewInt(5), BlockedCounterparty: big.NewInt(5)},
		Collateral: big.NewInt(10),
		Initiator:  alice,
		Metrics:    m,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, a.Deployed())
	return a
}

func TestHandleSnapshot(t *testing.T) {
	a := newAgent(t, nil)
	srv := httptest.NewServer(New(a, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Config struct {
			Encoding   string
			Collateral *big.Int
			Initiator  string
		}
		Phase    string
		Snapshot agent.Snapshot
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "awaiting_confirmation", body.Phase)
	assert.Equal(t, "word", body.Config.Encoding)
	assert.Equal(t, big.NewInt(10), body.Config.Collateral)
	assert.Equal(t, a.Config().Initiator.Address().Hex(), body.Config.Initiator)
	assert.Equal(t, state.PhaseAwaitingConfirmation, body.Snapshot.State.Phase)
	assert.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000c01"), body.Snapshot.Handle.Channel)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newAgent(t, metrics.NewChannelCollector(reg))
	srv := httptest.NewServer(New(a, reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `channel_phase_changes_total{phase="awaiting_confirmation"} 1`)
}

func TestCORS(t *testing.T) {
	a := newAgent(t, nil)
	srv := httptest.NewServer(New(a, nil))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
