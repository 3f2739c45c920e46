package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/danielksan81/Perun/ledger"
)

var flagConfigFile string

var rootCmd = &cobra.Command{
	Use:           "channeld",
	Short:         "orchestrate a two-party payment channel on an EVM ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&flagConfigFile, "config", "", "config file (yaml, json or toml)")

	f.String("rpc-url", ledger.DefaultURL, "ledger endpoint")
	f.Uint64("gas-limit", ledger.DefaultGasLimit, "gas ceiling per deployment and transaction")
	f.Duration("mining-timeout", ledger.DefaultMiningTimeout, "how long to wait for a transaction to be mined")
	f.Uint("dial-attempts", ledger.DefaultDialAttempts, "attempts to reach the ledger at startup")

	f.String("initiator", "", "initiator account managed by the node")
	f.String("counterparty", "", "counterparty account managed by the node")
	f.String("initiator-key", "", "initiator hex private key, instead of a node account")
	f.String("counterparty-key", "", "counterparty hex private key, instead of a node account")
	f.String("passphrase", "", "passphrase to unlock node accounts")

	f.String("preload", "10", "ether sent from the initiator to the counterparty before setup, 0 to disable")
	f.String("collateral", "10", "ether each participant confirms with")
	f.Uint64("round-sequence", 1, "sequence id of the agreed round")
	f.Uint64("round-version", 1, "version of the agreed round")
	f.String("blocked-initiator", "5", "ether blocked for the initiator in the agreed round")
	f.String("blocked-counterparty", "5", "ether blocked for the counterparty in the agreed round")
	f.String("encoding", "word", "commitment encoding, word or compact")

	f.String("contracts-dir", "contracts", "directory with the contract sources")
	f.String("solc", "solc", "solc binary")
	f.Bool("optimize", true, "compile with the solc optimizer")

	f.String("db", "", "directory for channel snapshots, empty to disable")
	f.String("http-addr", "", "address to serve the channel status and metrics on, empty to disable")
	f.String("log-level", "info", "log level")

	_ = viper.BindPFlags(f)

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if flagConfigFile != "" {
		viper.SetConfigFile(flagConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "reading config %s: %v\n", flagConfigFile, err)
			os.Exit(1)
		}
	}
	viper.SetEnvPrefix("CHANNELD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
