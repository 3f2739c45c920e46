package agent

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/danielksan81/Perun/state"
)

// WatchLibrary logs the signature library's verification events until s
// ends or ctx is done. A delivery failure is returned.
func WatchLibrary(ctx context.Context, s Stream, log zerolog.Logger) error {
	defer s.Unsubscribe()
	log = log.With().Str("component", "library").Logger()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-s.Events():
			if !ok {
				select {
				case err := <-s.Err():
					log.Error().Err(err).Msg("library watch failed")
					return err
				default:
					return nil
				}
			}
			switch e.Name {
			case state.EventVerificationSucceeded:
				log.Info().Uint64("block", e.BlockNumber).Msg("signature verification succeeded")
			case state.EventVerificationFailed:
				log.Warn().Uint64("block", e.BlockNumber).Msg("signature verification failed")
			case state.EventDebug:
				log.Info().Str("message", e.Text("message")).Msg("debug message")
			default:
				log.Debug().Stringer("event", e).Msg("ignoring library event")
			}
		}
	}
}
