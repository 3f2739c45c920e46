package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/danielksan81/Perun/agent"
	"github.com/danielksan81/Perun/ledger"
	"github.com/danielksan81/Perun/store"
)

var flagResumeChannel string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "resume driving a stored channel from its last snapshot, or list stored channels",
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVar(&flagResumeChannel, "channel", "", "address of the stored channel, lists stored channels when empty")
}

func runResume(*cobra.Command, []string) error {
	if flagResumeChannel == "" {
		return listStored(os.Stdout, viper.GetString("db"), viper.GetString("log-level"))
	}
	if !common.IsHexAddress(flagResumeChannel) {
		return fmt.Errorf("invalid channel address %q", flagResumeChannel)
	}
	ctx, cancel := signalContext()
	defer cancel()

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	st, err := e.openStore()
	if err != nil {
		return err
	}
	if st == nil {
		return errors.New("resume needs a snapshot store, set db")
	}
	defer st.Close()

	snap, err := st.Load(common.HexToAddress(flagResumeChannel))
	if err != nil {
		return err
	}
	if snap.Handle.Initiator != e.initiator.Address() || snap.Handle.Counterparty != e.counterparty.Address() {
		return fmt.Errorf("stored channel %s belongs to %s and %s", snap.Handle.Channel.Hex(), snap.Handle.Initiator.Hex(), snap.Handle.Counterparty.Hex())
	}

	libraryRef, _, channelRef := e.refs()
	compiler := e.compiler()
	libraryArtifact, err := compiler.Compile(ctx, libraryRef)
	if err != nil {
		return err
	}
	channelArtifact, err := compiler.Compile(ctx, channelRef)
	if err != nil {
		return err
	}
	library := ledger.Contract{Name: libraryRef.Name, Address: snap.Handle.Library, ABI: libraryArtifact.ABI}
	channel := ledger.Contract{Name: channelRef.Name, Address: snap.Handle.Channel, ABI: channelArtifact.ABI}

	events := make(chan interface{}, 16)
	a := agent.NewAgentFromSnapshot(e.agentConfig(snap.Handle, channel, library, st, events), snap)
	from := a.ResumeBlock()
	e.log.Info().
		Stringer("channel", channel.Address).
		Str("phase", string(a.Phase())).
		Uint64("from", from).
		Msg("resuming channel")
	return e.drive(ctx, a, events, channel, library, from)
}

func listStored(w io.Writer, dir, level string) error {
	if dir == "" {
		return errors.New("resume needs a snapshot store, set db")
	}
	log, err := newLogger(level)
	if err != nil {
		return err
	}
	st, err := store.Open(dir, log)
	if err != nil {
		return err
	}
	defer st.Close()
	return printChannels(w, st)
}

// printChannels writes one line per stored channel with its phase and round.
func printChannels(w io.Writer, st *store.Store) error {
	channels, err := st.Channels()
	if err != nil {
		return err
	}
	for _, ch := range channels {
		snap, err := st.Load(ch)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s %s sid=%d version=%d last_block=%d\n",
			ch.Hex(), snap.State.Phase, snap.Round.SequenceID, snap.Round.Version, snap.State.LastBlock)
		if err != nil {
			return err
		}
	}
	return nil
}
