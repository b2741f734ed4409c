package storage

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/grovekit/grove/internal/core/domain"
)

// openMemIndex builds an index over an in-memory Badger instance, cheap
// enough to create once per generated property case.
func openMemIndex(t testing.TB) *Index {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = &badgerLogger{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open in-memory badger: %v", err)
	}
	return &Index{db: db, logger: slog.Default()}
}

// TestForestInvariant_PropertyBased applies random clone/branch/del sequences
// and checks that the forest invariant holds afterwards: every parent exists,
// no parent chain cycles, and node 0 is never removed.
func TestForestInvariant_PropertyBased(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("clone/branch/del preserve the forest", prop.ForAll(
		func(ops []int) bool {
			idx := openMemIndex(t)
			defer idx.Close()

			if err := idx.Insert(domain.NewSnapshot(0, nil)); err != nil {
				return false
			}
			nextID := uint64(1)

			for _, v := range ops {
				live, err := idx.All()
				if err != nil || len(live) == 0 {
					return false
				}
				pick := live[v/3%len(live)]

				switch v % 3 {
				case 0: // clone: new independent root
					if err := idx.Insert(domain.NewSnapshot(nextID, nil)); err != nil {
						return false
					}
					nextID++
				case 1: // branch: child of pick
					if err := idx.Insert(domain.NewSnapshot(nextID, domain.Ptr(pick.ID))); err != nil {
						return false
					}
					nextID++
				case 2: // del: remove pick's tree unless it contains the base
					root, err := idx.RootOf(pick.ID)
					if err != nil {
						return false
					}
					if root.ID == domain.BaseID {
						continue
					}
					order, err := idx.Subtree(root.ID)
					if err != nil {
						return false
					}
					// Bottom-up: reverse pre-order deletes children first.
					for i := len(order) - 1; i >= 0; i-- {
						if err := idx.Remove(order[i]); err != nil {
							return false
						}
					}
				}
			}

			if err := idx.verifyForest(); err != nil {
				return false
			}
			if _, err := idx.Get(domain.BaseID); err != nil {
				return false
			}
			// No orphans: every ancestor chain must terminate at a root.
			all, err := idx.All()
			if err != nil {
				return false
			}
			for _, s := range all {
				if _, err := idx.RootOf(s.ID); err != nil {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2999)),
	))

	properties.TestingRun(t)
}

// TestVerifyForest_DetectsCorruption plants broken records directly and
// checks that open-time verification refuses them.
func TestVerifyForest_DetectsCorruption(t *testing.T) {
	t.Run("missing parent", func(t *testing.T) {
		idx := openMemIndex(t)
		defer idx.Close()

		if err := idx.Insert(domain.NewSnapshot(0, nil)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		// Bypass Insert validation by writing the record directly.
		err := idx.db.Update(func(txn *badger.Txn) error {
			return idx.setNode(txn, domain.NewSnapshot(5, domain.Ptr(99)))
		})
		if err != nil {
			t.Fatalf("raw write failed: %v", err)
		}

		if err := idx.verifyForest(); err == nil {
			t.Error("verifyForest should reject a missing parent")
		}
	})

	t.Run("cycle", func(t *testing.T) {
		idx := openMemIndex(t)
		defer idx.Close()

		err := idx.db.Update(func(txn *badger.Txn) error {
			a := domain.NewSnapshot(1, domain.Ptr(2))
			b := domain.NewSnapshot(2, domain.Ptr(1))
			if err := idx.setNode(txn, a); err != nil {
				return err
			}
			return idx.setNode(txn, b)
		})
		if err != nil {
			t.Fatalf("raw write failed: %v", err)
		}

		if err := idx.verifyForest(); err == nil {
			t.Error("verifyForest should reject a cycle")
		} else if fmt.Sprint(err) == "" {
			t.Error("error should carry details")
		}
	})
}
