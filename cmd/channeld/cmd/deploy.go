package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "deploy the signature library, channel factory and channel contracts",
	RunE:  runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(*cobra.Command, []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	stack, err := e.coordinator().DeployAll(ctx, e.initiator.Address(), e.counterparty.Address())
	if err != nil {
		return err
	}
	fmt.Printf("library %s\n", stack.Library.Address.Hex())
	fmt.Printf("factory %s\n", stack.Factory.Address.Hex())
	fmt.Printf("channel %s\n", stack.Channel.Address.Hex())
	return nil
}
