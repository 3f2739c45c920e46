package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danielksan81/Perun/agent"
	"github.com/danielksan81/Perun/dispatch"
	"github.com/danielksan81/Perun/ledger"
	"github.com/danielksan81/Perun/state"
)

var errStreamEnded = errors.New("event stream ended before the channel was registered")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "deploy a channel and drive it until its state is registered",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(*cobra.Command, []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	err = e.preload(ctx)
	if err != nil {
		return err
	}
	stack, err := e.coordinator().DeployAll(ctx, e.initiator.Address(), e.counterparty.Address())
	if err != nil {
		return err
	}

	st, err := e.openStore()
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	events := make(chan interface{}, 16)
	a := agent.NewAgent(e.agentConfig(stack.Handle(), stack.Channel.Contract, stack.LibraryContract(), st, events))
	err = a.Deployed()
	if err != nil {
		return err
	}
	return e.drive(ctx, a, events, stack.Channel.Contract, stack.LibraryContract(), 0)
}

// drive feeds the agent the channel's events from block from until the
// channel is registered or fails.
func (e *env) drive(ctx context.Context, a *agent.Agent, events <-chan interface{}, channel, library ledger.Contract, from uint64) error {
	if a.Phase() == state.PhaseRegistered {
		e.log.Info().Stringer("channel", channel.Address).Msg("channel already registered")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d := dispatch.New(e.client, e.log, e.metrics)
	libSub, err := d.Subscribe(ctx, library, from)
	if err != nil {
		return err
	}
	chanSub, err := d.Subscribe(ctx, channel, from)
	if err != nil {
		return err
	}

	srv := e.serve(a)
	if srv != nil {
		defer srv.Close()
	}
	return driveChannel(ctx, e.log, a, events, chanSub, libSub)
}

// driveChannel runs the agent on the channel stream and watches the library
// stream until the channel is registered, either stream fails, or ctx is
// done.
func driveChannel(ctx context.Context, log zerolog.Logger, a *agent.Agent, events <-chan interface{}, channel, library agent.Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, channel)
	}()
	libDone := make(chan error, 1)
	go func() {
		libDone <- agent.WatchLibrary(ctx, library, log)
	}()

	channelAddress := a.Config().Handle.Channel
	for {
		select {
		case ev := <-events:
			switch ev := ev.(type) {
			case agent.PhaseChangedEvent:
				if ev.To == state.PhaseRegistered {
					cancel()
				}
			case agent.ConfirmationSubmittedEvent:
				log.Info().Stringer("participant", ev.Participant).Stringer("tx", ev.TxHash).Msg("confirmation mined")
			case agent.RegistrationSubmittedEvent:
				log.Info().Stringer("digest", ev.Digest).Stringer("tx", ev.TxHash).Msg("registration mined")
			case agent.ErrorEvent:
				log.Error().Err(ev.Err).Msg("channel error")
			}
		case err := <-libDone:
			libDone = nil
			if err == nil || ctx.Err() != nil {
				continue
			}
			cancel()
			return fmt.Errorf("watching library: %w", err)
		case err := <-done:
			if a.Phase() == state.PhaseRegistered {
				log.Info().Stringer("channel", channelAddress).Msg("channel registered")
				return nil
			}
			if err == nil {
				return errStreamEnded
			}
			return err
		}
	}
}
