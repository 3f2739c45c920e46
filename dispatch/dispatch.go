// Package dispatch delivers a contract's historical and live logs as decoded
// events, in ledger order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danielksan81/Perun/ledger"
	"github.com/danielksan81/Perun/metrics"
)

// ErrSubscriptionClosed is the cause of a DispatchError when the ledger ends
// a live subscription without an error.
var ErrSubscriptionClosed = errors.New("log subscription closed by ledger")

// LogSource reads contract logs. ledger.Client implements it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// DispatchError is a failure to deliver events. The subscription ends and is
// not resumed automatically, since doing so could skip events.
type DispatchError struct {
	Subscription uuid.UUID
	Contract     common.Address
	Err          error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatching events of %s (subscription %s): %v", e.Contract.Hex(), e.Subscription, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// DefaultPollInterval is how often the head is read when the ledger cannot
// push logs, as over plain HTTP.
const DefaultPollInterval = time.Second

type Dispatcher struct {
	source       LogSource
	log          zerolog.Logger
	metrics      metrics.Collector
	pollInterval time.Duration
}

func New(source LogSource, log zerolog.Logger, m metrics.Collector) *Dispatcher {
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	return &Dispatcher{
		source:       source,
		log:          log.With().Str("component", "dispatch").Logger(),
		metrics:      m,
		pollInterval: DefaultPollInterval,
	}
}

// WithPollInterval sets how often new logs are polled for when the ledger
// does not support log subscriptions.
func (d *Dispatcher) WithPollInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.pollInterval = interval
	}
	return d
}

// Subscribe replays the contract's logs from fromBlock to the current head
// and then continues with live logs as they are appended. Events are
// delivered in block order and then log index order; a live log that is not
// after the last delivered event is dropped. If the ledger cannot push logs
// the live logs are polled for instead.
func (d *Dispatcher) Subscribe(ctx context.Context, contract ledger.Contract, fromBlock uint64) (*Subscription, error) {
	id := uuid.New()
	ctx, cancel := context.WithCancel(ctx)
	log := d.log.With().Str("subscription", id.String()).Str("contract", contract.Name).Logger()

	// The live subscription is opened before the head is read so that no
	// log falls between the replayed range and the live stream.
	live := make(chan types.Log, 64)
	q := ethereum.FilterQuery{Addresses: []common.Address{contract.Address}}
	ethSub, err := d.source.SubscribeFilterLogs(ctx, q, live)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		log.Info().Dur("interval", d.pollInterval).Msg("ledger cannot push logs, polling")
		ethSub, err = nil, nil
	}
	if err != nil {
		cancel()
		return nil, &DispatchError{Subscription: id, Contract: contract.Address, Err: err}
	}
	head, err := d.source.BlockNumber(ctx)
	if err != nil {
		if ethSub != nil {
			ethSub.Unsubscribe()
		}
		cancel()
		return nil, &DispatchError{Subscription: id, Contract: contract.Address, Err: err}
	}

	s := &Subscription{
		id:       id,
		events:   make(chan ledger.Event),
		errs:     make(chan error, 1),
		cancel:   cancel,
		log:      log,
		metrics:  d.metrics,
		source:   d.source,
		contract: contract,
	}
	log.Debug().Uint64("from_block", fromBlock).Uint64("head", head).Msg("subscribed")
	go func() {
		defer close(s.events)
		if ethSub == nil {
			s.poll(ctx, fromBlock, head, d.pollInterval)
			return
		}
		defer ethSub.Unsubscribe()
		s.run(ctx, fromBlock, head, live, ethSub)
	}()
	return s, nil
}

// Subscription is a lazy, potentially infinite sequence of events. It cannot
// be restarted once it has ended.
type Subscription struct {
	id      uuid.UUID
	events  chan ledger.Event
	errs    chan error
	cancel  context.CancelFunc
	once    sync.Once
	log     zerolog.Logger
	metrics metrics.Collector

	source   LogSource
	contract ledger.Contract
	last     *ledger.Event
}

func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Events is closed when the subscription ends. If it ended because of a
// delivery failure the error is available on Err before Events is closed.
func (s *Subscription) Events() <-chan ledger.Event {
	return s.events
}

// Err receives at most one DispatchError.
func (s *Subscription) Err() <-chan error {
	return s.errs
}

// Unsubscribe stops delivery. An event already received by the caller is not
// affected. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Each calls handle for every event in order until the subscription ends or
// handle returns an error. A delivery failure is given to handle with a zero
// event and then returned.
func (s *Subscription) Each(handle func(e ledger.Event, err error) error) error {
	for e := range s.events {
		if err := handle(e, nil); err != nil {
			s.Unsubscribe()
			return err
		}
	}
	select {
	case err := <-s.errs:
		_ = handle(ledger.Event{}, err)
		return err
	default:
		return nil
	}
}

func (s *Subscription) fail(err error) {
	s.log.Error().Err(err).Msg("delivery failed")
	s.errs <- &DispatchError{Subscription: s.id, Contract: s.contract.Address, Err: err}
}

func (s *Subscription) run(ctx context.Context, fromBlock, head uint64, live <-chan types.Log, ethSub ethereum.Subscription) {
	if fromBlock <= head {
		ok, err := s.deliverRange(ctx, fromBlock, head)
		if err != nil {
			s.fail(err)
			return
		}
		if !ok {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-ethSub.Err():
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				err = ErrSubscriptionClosed
			}
			s.fail(err)
			return
		case l := <-live:
			ok, err := s.deliver(ctx, l)
			if err != nil {
				s.fail(err)
				return
			}
			if !ok {
				return
			}
		}
	}
}

// poll replays up to head and then reads the logs of every block appended
// since, once per interval.
func (s *Subscription) poll(ctx context.Context, fromBlock, head uint64, interval time.Duration) {
	next := fromBlock
	if fromBlock <= head {
		ok, err := s.deliverRange(ctx, fromBlock, head)
		if err != nil {
			s.fail(err)
			return
		}
		if !ok {
			return
		}
		next = head + 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		head, err := s.source.BlockNumber(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(fmt.Errorf("reading head: %w", err))
			}
			return
		}
		if head < next {
			continue
		}
		ok, err := s.deliverRange(ctx, next, head)
		if err != nil {
			s.fail(err)
			return
		}
		if !ok {
			return
		}
		next = head + 1
	}
}

// deliverRange delivers the logs of blocks from to to in ledger order. It
// reports false if the subscription was cancelled.
func (s *Subscription) deliverRange(ctx context.Context, from, to uint64) (bool, error) {
	logs, err := s.source.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.contract.Address},
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("reading logs from block %d to %d: %w", from, to, err)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	for _, l := range logs {
		ok, err := s.deliver(ctx, l)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

// deliver decodes l and sends it to the consumer. It reports false if the
// subscription was cancelled while waiting.
func (s *Subscription) deliver(ctx context.Context, l types.Log) (bool, error) {
	if l.Removed {
		s.log.Warn().Uint64("block", l.BlockNumber).Uint("index", l.Index).Msg("skipping log removed by reorganization")
		return true, nil
	}
	e, err := Decode(s.contract, l)
	if err != nil {
		return false, err
	}
	if s.last != nil && !e.After(*s.last) {
		s.log.Debug().Stringer("event", e).Msg("skipping already delivered log")
		return true, nil
	}
	select {
	case <-ctx.Done():
		return false, nil
	case s.events <- e:
	}
	s.last = &e
	s.metrics.EventDispatched(s.contract.Name, e.Name)
	return true, nil
}

// Decode decodes a log of contract into an event. Logs with a topic that is
// not in the contract's ABI are named by the topic's hex so that consumers can
// report and ignore them.
func Decode(contract ledger.Contract, l types.Log) (ledger.Event, error) {
	e := ledger.Event{
		Args:        map[string]interface{}{},
		Contract:    l.Address,
		BlockNumber: l.BlockNumber,
		Index:       l.Index,
		TxHash:      l.TxHash,
		Removed:     l.Removed,
	}
	if len(l.Topics) == 0 {
		e.Name = "anonymous"
		return e, nil
	}
	event, err := contract.ABI.EventByID(l.Topics[0])
	if err != nil {
		e.Name = l.Topics[0].Hex()
		return e, nil
	}
	e.Name = event.RawName
	if err := event.Inputs.NonIndexed().UnpackIntoMap(e.Args, l.Data); err != nil {
		return e, fmt.Errorf("decoding %s at block %d index %d: %w", event.RawName, l.BlockNumber, l.Index, err)
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(e.Args, indexed, l.Topics[1:]); err != nil {
			return e, fmt.Errorf("decoding topics of %s at block %d index %d: %w", event.RawName, l.BlockNumber, l.Index, err)
		}
	}
	return e, nil
}
