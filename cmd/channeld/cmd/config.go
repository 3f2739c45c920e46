package cmd

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/danielksan81/Perun/commitment"
)

type config struct {
	RPCURL        string
	GasLimit      uint64
	MiningTimeout time.Duration
	DialAttempts  uint

	Initiator       string
	Counterparty    string
	InitiatorKey    string
	CounterpartyKey string
	Passphrase      string

	Preload             *big.Int
	Collateral          *big.Int
	RoundSequence       uint64
	RoundVersion        uint64
	BlockedInitiator    *big.Int
	BlockedCounterparty *big.Int
	Encoding            commitment.Encoding

	ContractsDir string
	Solc         string
	Optimize     bool

	DB       string
	HTTPAddr string
	LogLevel string
}

func loadConfig(v *viper.Viper) (config, error) {
	c := config{
		RPCURL:          v.GetString("rpc-url"),
		GasLimit:        v.GetUint64("gas-limit"),
		MiningTimeout:   v.GetDuration("mining-timeout"),
		DialAttempts:    v.GetUint("dial-attempts"),
		Initiator:       v.GetString("initiator"),
		Counterparty:    v.GetString("counterparty"),
		InitiatorKey:    v.GetString("initiator-key"),
		CounterpartyKey: v.GetString("counterparty-key"),
		Passphrase:      v.GetString("passphrase"),
		RoundSequence:   v.GetUint64("round-sequence"),
		RoundVersion:    v.GetUint64("round-version"),
		ContractsDir:    v.GetString("contracts-dir"),
		Solc:            v.GetString("solc"),
		Optimize:        v.GetBool("optimize"),
		DB:              v.GetString("db"),
		HTTPAddr:        v.GetString("http-addr"),
		LogLevel:        v.GetString("log-level"),
	}
	var err error
	for _, amount := range []struct {
		key string
		dst **big.Int
	}{
		{"preload", &c.Preload},
		{"collateral", &c.Collateral},
		{"blocked-initiator", &c.BlockedInitiator},
		{"blocked-counterparty", &c.BlockedCounterparty},
	} {
		*amount.dst, err = parseEther(v.GetString(amount.key))
		if err != nil {
			return config{}, fmt.Errorf("%s: %w", amount.key, err)
		}
	}
	c.Encoding, err = commitment.ParseEncoding(v.GetString("encoding"))
	if err != nil {
		return config{}, fmt.Errorf("encoding: %w", err)
	}
	if c.Initiator == "" && c.InitiatorKey == "" {
		return config{}, fmt.Errorf("one of initiator or initiator-key is required")
	}
	if c.Counterparty == "" && c.CounterpartyKey == "" {
		return config{}, fmt.Errorf("one of counterparty or counterparty-key is required")
	}
	return c, nil
}

// parseEther parses a non-negative decimal amount of ether into wei.
func parseEther(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt64(params.Ether))
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q is not a whole number of wei", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log-level: %w", err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger(), nil
}
