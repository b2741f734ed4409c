package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v3"

	"github.com/grovekit/grove/internal/core/domain"
)

// Open contention between two brief invocations resolves in well under a
// second; anything longer than openRetryLimit means another grove process is
// genuinely busy and the caller should see the error.
const openRetryLimit = 5 * time.Second

// Index is the Badger-backed snapshot index.
//
// All structural mutations are expected to run under the caller's exclusive
// structural lock; the index itself only guarantees per-call atomicity.
type Index struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) the index in dir.
//
// A concurrently running invocation holds the Badger directory lock; Open
// retries with exponential backoff so short overlaps serialize instead of
// failing. The forest invariant is verified on every open.
func Open(dir string, logger *slog.Logger) (*Index, error) {
	if dir == "" {
		return nil, fmt.Errorf("index: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{logger: logger}
	opts.SyncWrites = true

	var db *badger.DB
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = openRetryLimit

	err := backoff.Retry(func() error {
		var err error
		db, err = badger.Open(opts)
		return err
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", dir, err)
	}

	idx := &Index{db: db, logger: logger}
	if err := idx.verifyForest(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close closes the index and releases the directory lock.
func (x *Index) Close() error {
	return x.db.Close()
}

// ============================================================================
// Node records
// ============================================================================

// Get retrieves a snapshot by id.
func (x *Index) Get(id uint64) (*domain.Snapshot, error) {
	var snap *domain.Snapshot
	err := x.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrNotFound.WithDetails(fmt.Sprintf("id %d", id))
			}
			return err
		}
		return item.Value(func(val []byte) error {
			snap = new(domain.Snapshot)
			return json.Unmarshal(val, snap)
		})
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return snap, nil
}

// Exists reports whether a snapshot record exists.
func (x *Index) Exists(id uint64) (bool, error) {
	_, err := x.Get(id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Insert stores a new snapshot record. The id must be unused and the parent
// (if any) must exist.
func (x *Index) Insert(snap *domain.Snapshot) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(snap.ID)); err == nil {
			return fmt.Errorf("index: id %d already exists", snap.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if snap.ParentID != nil {
			if _, err := txn.Get(nodeKey(*snap.ParentID)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return domain.ErrNotFound.WithDetails(fmt.Sprintf("parent id %d", *snap.ParentID))
				}
				return err
			}
		}
		return x.setNode(txn, snap)
	})
	return wrapStorage(err)
}

// Update overwrites an existing snapshot record.
func (x *Index) Update(snap *domain.Snapshot) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(snap.ID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrNotFound.WithDetails(fmt.Sprintf("id %d", snap.ID))
			}
			return err
		}
		return x.setNode(txn, snap)
	})
	return wrapStorage(err)
}

// Remove deletes a snapshot record. It does not cascade; tree deletion
// removes nodes bottom-up one record at a time.
func (x *Index) Remove(id uint64) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrNotFound.WithDetails(fmt.Sprintf("id %d", id))
			}
			return err
		}
		return txn.Delete(nodeKey(id))
	})
	return wrapStorage(err)
}

// All returns every snapshot record, ordered by id.
func (x *Index) All() ([]*domain.Snapshot, error) {
	var snaps []*domain.Snapshot
	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = nodePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				snap := new(domain.Snapshot)
				if err := json.Unmarshal(val, snap); err != nil {
					return err
				}
				snaps = append(snaps, snap)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return snaps, nil
}

func (x *Index) setNode(txn *badger.Txn, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return txn.Set(nodeKey(snap.ID), data)
}

// ============================================================================
// Forest queries
// ============================================================================

// Roots returns all tree roots, ordered by id.
func (x *Index) Roots() ([]*domain.Snapshot, error) {
	all, err := x.All()
	if err != nil {
		return nil, err
	}
	var roots []*domain.Snapshot
	for _, s := range all {
		if s.IsRoot() {
			roots = append(roots, s)
		}
	}
	return roots, nil
}

// Children returns the direct children of id, ordered by id.
func (x *Index) Children(id uint64) ([]*domain.Snapshot, error) {
	if _, err := x.Get(id); err != nil {
		return nil, err
	}
	all, err := x.All()
	if err != nil {
		return nil, err
	}
	var children []*domain.Snapshot
	for _, s := range all {
		if s.ParentID != nil && *s.ParentID == id {
			children = append(children, s)
		}
	}
	return children, nil
}

// Ancestors returns the parent chain of id, nearest first, ending at the
// tree root.
func (x *Index) Ancestors(id uint64) ([]*domain.Snapshot, error) {
	snap, err := x.Get(id)
	if err != nil {
		return nil, err
	}
	var chain []*domain.Snapshot
	seen := map[uint64]bool{id: true}
	for snap.ParentID != nil {
		pid := *snap.ParentID
		if seen[pid] {
			return nil, domain.ErrForestCorrupt.WithDetails(fmt.Sprintf("cycle through id %d", pid))
		}
		seen[pid] = true
		snap, err = x.Get(pid)
		if err != nil {
			return nil, err
		}
		chain = append(chain, snap)
	}
	return chain, nil
}

// Siblings returns the nodes sharing id's parent, excluding id itself.
// A root's siblings are the other roots.
func (x *Index) Siblings(id uint64) ([]*domain.Snapshot, error) {
	snap, err := x.Get(id)
	if err != nil {
		return nil, err
	}
	all, err := x.All()
	if err != nil {
		return nil, err
	}
	var sibs []*domain.Snapshot
	for _, s := range all {
		if s.ID == id {
			continue
		}
		switch {
		case snap.ParentID == nil && s.ParentID == nil:
			sibs = append(sibs, s)
		case snap.ParentID != nil && s.ParentID != nil && *s.ParentID == *snap.ParentID:
			sibs = append(sibs, s)
		}
	}
	return sibs, nil
}

// IsDescendant reports whether id lies strictly below ancestor.
func (x *Index) IsDescendant(id, ancestor uint64) (bool, error) {
	if id == ancestor {
		return false, nil
	}
	chain, err := x.Ancestors(id)
	if err != nil {
		return false, err
	}
	for _, s := range chain {
		if s.ID == ancestor {
			return true, nil
		}
	}
	return false, nil
}

// RootOf returns the root of the tree containing id.
func (x *Index) RootOf(id uint64) (*domain.Snapshot, error) {
	snap, err := x.Get(id)
	if err != nil {
		return nil, err
	}
	if snap.IsRoot() {
		return snap, nil
	}
	chain, err := x.Ancestors(id)
	if err != nil {
		return nil, err
	}
	return chain[len(chain)-1], nil
}

// Subtree returns the ids of the subtree rooted at id, in pre-order with
// children visited in ascending id order.
func (x *Index) Subtree(id uint64) ([]uint64, error) {
	if _, err := x.Get(id); err != nil {
		return nil, err
	}
	all, err := x.All()
	if err != nil {
		return nil, err
	}
	children := make(map[uint64][]uint64)
	for _, s := range all {
		if s.ParentID != nil {
			children[*s.ParentID] = append(children[*s.ParentID], s.ID)
		}
	}
	for _, ids := range children {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	var order []uint64
	var walk func(uint64)
	walk = func(n uint64) {
		order = append(order, n)
		for _, c := range children[n] {
			walk(c)
		}
	}
	walk(id)
	return order, nil
}

// TreeOf returns the ids of the whole tree containing id, in pre-order.
func (x *Index) TreeOf(id uint64) ([]uint64, error) {
	root, err := x.RootOf(id)
	if err != nil {
		return nil, err
	}
	return x.Subtree(root.ID)
}

// ============================================================================
// Metadata
// ============================================================================

// NextID allocates and persists the next snapshot id.
func (x *Index) NextID() (uint64, error) {
	var id uint64
	err := x.db.Update(func(txn *badger.Txn) error {
		next := uint64(0)
		item, err := txn.Get(keyNextID)
		if err == nil {
			if err := item.Value(func(val []byte) error {
				next = decodeID(val)
				return nil
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		id = next
		return txn.Set(keyNextID, encodeID(next+1))
	})
	if err != nil {
		return 0, wrapStorage(err)
	}
	return id, nil
}

// Pointers reads the deployment pointers.
func (x *Index) Pointers() (domain.BootPointers, error) {
	var p domain.BootPointers
	err := x.db.View(func(txn *badger.Txn) error {
		var err error
		p.DefaultID, err = readPointer(txn, keyDefault)
		if err != nil {
			return err
		}
		p.PreviousDefaultID, err = readPointer(txn, keyPrevDefault)
		return err
	})
	if err != nil {
		return domain.BootPointers{}, wrapStorage(err)
	}
	return p, nil
}

// SetPointers persists the deployment pointers in one transaction.
func (x *Index) SetPointers(p domain.BootPointers) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		if err := writePointer(txn, keyDefault, p.DefaultID); err != nil {
			return err
		}
		return writePointer(txn, keyPrevDefault, p.PreviousDefaultID)
	})
	return wrapStorage(err)
}

func readPointer(txn *badger.Txn, key []byte) (*uint64, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var id uint64
	if err := item.Value(func(val []byte) error {
		id = decodeID(val)
		return nil
	}); err != nil {
		return nil, err
	}
	return &id, nil
}

func writePointer(txn *badger.Txn, key []byte, id *uint64) error {
	if id == nil {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	return txn.Set(key, encodeID(*id))
}

// ============================================================================
// Integrity
// ============================================================================

// verifyForest checks that the persisted parent links form a forest: every
// parent exists and no parent chain revisits a node.
func (x *Index) verifyForest() error {
	all, err := x.All()
	if err != nil {
		return err
	}
	byID := make(map[uint64]*domain.Snapshot, len(all))
	for _, s := range all {
		byID[s.ID] = s
	}
	for _, s := range all {
		if s.ParentID != nil {
			if _, ok := byID[*s.ParentID]; !ok {
				return domain.ErrForestCorrupt.WithDetails(
					fmt.Sprintf("node %d references missing parent %d", s.ID, *s.ParentID))
			}
		}
		seen := map[uint64]bool{s.ID: true}
		cur := s
		for cur.ParentID != nil {
			pid := *cur.ParentID
			if seen[pid] {
				return domain.ErrForestCorrupt.WithDetails(
					fmt.Sprintf("cycle through id %d", pid))
			}
			seen[pid] = true
			cur = byID[pid]
		}
	}
	return nil
}

// wrapStorage converts non-domain errors into ErrStorage.
func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsDomainError(err, "") {
		return err
	}
	return domain.ErrStorage.WithCause(err)
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
