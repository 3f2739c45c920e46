package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/danielksan81/Perun/commitment"
	"github.com/danielksan81/Perun/contracts"
	"github.com/danielksan81/Perun/ledger"
)

var (
	flagCheckLibrary string
	flagCheckChannel string
)

var checkEncodingCmd = &cobra.Command{
	Use:   "check-encoding",
	Short: "check which commitment encodings the signature library accepts",
	RunE:  runCheckEncoding,
}

func init() {
	rootCmd.AddCommand(checkEncodingCmd)
	checkEncodingCmd.Flags().StringVar(&flagCheckLibrary, "library", "", "deployed signature library, deploys a new one when empty")
	checkEncodingCmd.Flags().StringVar(&flagCheckChannel, "channel", "", "channel address committed to, zero when empty")
}

func runCheckEncoding(*cobra.Command, []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	var library ledger.Contract
	if flagCheckLibrary == "" {
		_, d, err := e.coordinator().DeployLibrary(ctx)
		if err != nil {
			return err
		}
		library = d.Contract
	} else {
		if !common.IsHexAddress(flagCheckLibrary) {
			return fmt.Errorf("invalid library address %q", flagCheckLibrary)
		}
		ref, _, _ := e.refs()
		artifact, err := e.compiler().Compile(ctx, ref)
		if err != nil {
			return err
		}
		library = ledger.Contract{Name: ref.Name, Address: common.HexToAddress(flagCheckLibrary), ABI: artifact.ABI}
	}

	var channel common.Address
	if flagCheckChannel != "" {
		if !common.IsHexAddress(flagCheckChannel) {
			return fmt.Errorf("invalid channel address %q", flagCheckChannel)
		}
		channel = common.HexToAddress(flagCheckChannel)
	}
	c, err := commitment.New(channel, e.cfg.RoundSequence, e.cfg.BlockedInitiator, e.cfg.BlockedCounterparty, e.cfg.RoundVersion)
	if err != nil {
		return err
	}

	report, err := commitment.CheckEncodingCompatibility(ctx, e.cfg.Encoding, c, e.initiator, contracts.NewLibrary(library, e.client))
	for _, res := range report.Results {
		fmt.Printf("%-8s digest=%s accepted=%t\n", res.Encoding, res.Digest.Hex(), res.Accepted)
	}
	return err
}
