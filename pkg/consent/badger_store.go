package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/contextvault/contextvault/pkg/identity"
)

var log *logrus.Logger

const recordPrefix = "consent/"

// StoreConfig configures the durable consent store. Only Paths[0]
// is used at the moment.
type StoreConfig struct {
	Paths            []string // absolute path, at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
}

func (sc *StoreConfig) checkConfig() error {
	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}

	path := sc.Paths[0]
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	if sc.MinimumFreeSpace > 0 {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(path, &stat); err != nil {
			return fmt.Errorf("statfs %s: %w", path, err)
		}

		// Available blocks * size per block gives available space in bytes
		availableSpaceInGB := (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024 * 1024)
		if int(availableSpaceInGB) < sc.MinimumFreeSpace {
			return errors.New("not enough space available on disk")
		}
	}

	return nil
}

// BadgerStore is the durable Store backend. Records are stored as
// JSON, one per request id, using the same schema as MemoryStore.
type BadgerStore struct {
	config   StoreConfig
	badgerDB *badger.DB
}

// NewBadgerStore opens (or creates) the consent database under
// config.Paths[0].
func NewBadgerStore(config StoreConfig) (*BadgerStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log = config.Logger

	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for BadgerStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Paths[0])
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		log.WithFields(logrus.Fields{
			"path": config.Paths[0],
		}).Errorf("Error opening consent database: %v", err)
		return nil, err
	}

	return &BadgerStore{
		config:   config,
		badgerDB: db,
	}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.badgerDB.Close()
}

func recordKey(requestID string) []byte {
	return []byte(recordPrefix + requestID)
}

// Save persists a request as one JSON record.
func (s *BadgerStore) Save(_ context.Context, req Request) error {
	if req.RequestID == "" {
		return ErrNotFound
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request %s: %w", req.RequestID, err)
	}

	err = s.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(req.RequestID), payload)
	})
	if err != nil {
		log.WithFields(logrus.Fields{
			"requestId": req.RequestID,
		}).Errorf("Error writing consent record: %v", err)
		return err
	}
	return nil
}

// UpdateStatus moves a request through its lifecycle inside one
// badger transaction, so a concurrent update cannot interleave.
func (s *BadgerStore) UpdateStatus(_ context.Context, requestID string, status Status, at time.Time) error {
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		req, err := readRecord(txn, requestID)
		if err != nil {
			return err
		}
		if !req.Status.CanTransition(status) {
			return transitionError(req.Status, status)
		}
		req.Status = status
		req.UpdatedAt = at

		payload, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal request %s: %w", requestID, err)
		}
		return txn.Set(recordKey(requestID), payload)
	})
}

// GetByID retrieves a request by id.
func (s *BadgerStore) GetByID(_ context.Context, requestID string) (Request, error) {
	var req Request
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		found, err := readRecord(txn, requestID)
		if err != nil {
			return err
		}
		req = found
		return nil
	})
	return req, err
}

// ListByTarget returns requests addressed to a target context.
func (s *BadgerStore) ListByTarget(_ context.Context, target string, status *Status) ([]Request, error) {
	canonical, err := identity.NormalizeAddress(target)
	if err != nil {
		return nil, err
	}
	return s.scan(func(req Request) bool {
		return req.TargetContext == canonical && matchStatus(req, status)
	})
}

// ListByRequester returns requests issued by a requester context.
func (s *BadgerStore) ListByRequester(_ context.Context, requester string, status *Status) ([]Request, error) {
	canonical, err := identity.NormalizeAddress(requester)
	if err != nil {
		return nil, err
	}
	return s.scan(func(req Request) bool {
		return req.RequesterContext == canonical && matchStatus(req, status)
	})
}

// ListByStatus returns every request currently in the given status.
func (s *BadgerStore) ListByStatus(_ context.Context, status Status) ([]Request, error) {
	return s.scan(func(req Request) bool {
		return req.Status == status
	})
}

// Delete removes a request by id.
func (s *BadgerStore) Delete(_ context.Context, requestID string) error {
	return s.badgerDB.Update(func(txn *badger.Txn) error {
		if _, err := readRecord(txn, requestID); err != nil {
			return err
		}
		return txn.Delete(recordKey(requestID))
	})
}

func (s *BadgerStore) scan(keep func(Request) bool) ([]Request, error) {
	var out []Request
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var req Request
				if err := json.Unmarshal(val, &req); err != nil {
					return fmt.Errorf("corrupt consent record %s: %w", it.Item().Key(), err)
				}
				if keep(req) {
					out = append(out, req)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRequests(out)
	return out, nil
}

func readRecord(txn *badger.Txn, requestID string) (Request, error) {
	item, err := txn.Get(recordKey(requestID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	var req Request
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &req)
	})
	if err != nil {
		return Request{}, fmt.Errorf("corrupt consent record %s: %w", requestID, err)
	}
	return req, nil
}
