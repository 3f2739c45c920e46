package agenthttp

import (
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/danielksan81/Perun/agent"
	"github.com/danielksan81/Perun/commitment"
	"github.com/danielksan81/Perun/state"
)

// New serves the agent's snapshot at / and, when gatherer is not nil,
// prometheus metrics at /metrics.
func New(a *agent.Agent, gatherer prometheus.Gatherer) http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/", handleSnapshot(a))
	if gatherer != nil {
		m.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return cors.Default().Handler(m)
}

func handleSnapshot(a *agent.Agent) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		type agentConfig struct {
			Handle       state.Handle
			Round        state.Round
			Collateral   *big.Int
			Encoding     commitment.Encoding
			Initiator    string
			Counterparty string
		}
		c := a.Config()
		v := struct {
			Config   agentConfig
			Phase    state.Phase
			Snapshot agent.Snapshot
		}{
			Config: agentConfig{
				Handle:     c.Handle,
				Round:      c.Round,
				Collateral: c.Collateral,
				Encoding:   c.Encoding,
			},
			Phase:    a.Phase(),
			Snapshot: a.Snapshot(),
		}
		if c.Initiator != nil {
			v.Config.Initiator = c.Initiator.Address().Hex()
		}
		if c.Counterparty != nil {
			v.Config.Counterparty = c.Counterparty.Address().Hex()
		}
		err := enc.Encode(v)
		if err != nil {
			panic(err)
		}
	}
}
