// Package store persists agent snapshots in badger so that a channel can be
// resumed after a restart.
package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/danielksan81/Perun/agent"
)

var ErrNotFound = errors.New("snapshot not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var prefixChannel = []byte("channel/")

func channelKey(channel common.Address) []byte {
	return append(append([]byte{}, prefixChannel...), channel.Bytes()...)
}

type Store struct {
	db  *badger.DB
	log zerolog.Logger
}

var _ agent.Snapshotter = (*Store)(nil)

// Open opens or creates a store in dir.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	return open(badger.DefaultOptions(dir), log)
}

// OpenInMemory opens a store that is discarded on Close.
func OpenInMemory(log zerolog.Logger) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), log)
}

func open(opts badger.Options, log zerolog.Logger) (*Store, error) {
	log = log.With().Str("component", "store").Logger()
	db, err := badger.Open(opts.WithLogger(badgerLogger{log: log}))
	if err != nil {
		return nil, fmt.Errorf("could not open snapshot store: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot stores the snapshot, replacing any earlier one for the same
// channel. Failures are logged.
func (s *Store) Snapshot(a *agent.Agent, snap agent.Snapshot) {
	err := s.Save(snap)
	if err != nil {
		s.log.Error().Err(err).Stringer("channel", snap.Handle.Channel).Msg("could not store snapshot")
	}
}

func (s *Store) Save(snap agent.Snapshot) error {
	return s.db.Update(upsert(channelKey(snap.Handle.Channel), snap))
}

// Load returns the latest snapshot of channel.
func (s *Store) Load(channel common.Address) (agent.Snapshot, error) {
	var snap agent.Snapshot
	err := s.db.View(retrieve(channelKey(channel), &snap))
	return snap, err
}

// Channels lists the channels with a stored snapshot.
func (s *Store) Channels() ([]common.Address, error) {
	var channels []common.Address
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixChannel
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefixChannel); it.ValidForPrefix(prefixChannel); it.Next() {
			key := it.Item().Key()
			channels = append(channels, common.BytesToAddress(bytes.TrimPrefix(key, prefixChannel)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not list channels: %w", err)
	}
	return channels, nil
}

// upsert encodes the entity with JSON and stores it under key.
func upsert(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		val, err := json.Marshal(entity)
		if err != nil {
			return fmt.Errorf("could not encode entity: %w", err)
		}
		err = tx.Set(key, val)
		if err != nil {
			return fmt.Errorf("could not store data: %w", err)
		}
		return nil
	}
}

// retrieve decodes the JSON stored under key into entity.
func retrieve(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not load data: %w", err)
		}
		err = item.Value(func(val []byte) error {
			return json.Unmarshal(val, entity)
		})
		if err != nil {
			return fmt.Errorf("could not decode entity: %w", err)
		}
		return nil
	}
}

// badgerLogger writes badger's logs to zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}
