package service

import (
	"context"
	"fmt"

	"github.com/grovekit/grove/internal/archive"
	"github.com/grovekit/grove/internal/core/domain"
	"github.com/grovekit/grove/internal/storage/journal"
)

// TreeService implements the forest-structure operations.
type TreeService struct {
	deps Deps
}

// NewTreeService creates a TreeService.
func NewTreeService(deps Deps) *TreeService {
	return &TreeService{deps: deps}
}

// Init bootstraps the state directory: allocates id 0 and creates the
// empty base snapshot. Fails if the base already exists.
func (s *TreeService) Init(ctx context.Context) (*domain.Snapshot, error) {
	lock, err := s.deps.lockStructural(ctx, "init")
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	if ok, err := s.deps.Index.Exists(domain.BaseID); err != nil {
		return nil, err
	} else if ok {
		return nil, domain.ErrInvalidArgument.WithDetails("state directory already initialized")
	}

	id, err := s.deps.Index.NextID()
	if err != nil {
		return nil, err
	}
	if id != domain.BaseID {
		return nil, domain.ErrForestCorrupt.WithDetails(
			fmt.Sprintf("id counter at %d with no base snapshot", id))
	}

	if _, err := s.deps.Store.CreateEmpty(ctx, id); err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}

	base := domain.NewSnapshot(id, nil)
	base.Description = "base"
	if err := s.deps.Index.Insert(base); err != nil {
		return nil, err
	}

	s.deps.record(journal.Entry{Op: "init", Snapshots: []uint64{id}})
	s.deps.log().Info("state initialized", "base_id", id)
	return base, nil
}

// Clone copies src's content into a new independent tree root.
func (s *TreeService) Clone(ctx context.Context, srcID uint64) (*domain.Snapshot, error) {
	return s.copyNode(ctx, srcID, nil, "clone")
}

// Branch copies src's content into a new child of src.
func (s *TreeService) Branch(ctx context.Context, srcID uint64) (*domain.Snapshot, error) {
	return s.copyNode(ctx, srcID, domain.Ptr(srcID), "branch")
}

// CBranch copies src's content into a new sibling of src. Cloning a
// root yields another root.
func (s *TreeService) CBranch(ctx context.Context, srcID uint64) (*domain.Snapshot, error) {
	src, err := s.deps.Index.Get(srcID)
	if err != nil {
		return nil, err
	}
	return s.copyNode(ctx, srcID, src.ParentID, "cbranch")
}

// UBranch copies src's content into a new child of an arbitrary parent,
// which may live in any tree. Package state is not reconciled here; the
// caller is expected to sync afterwards.
func (s *TreeService) UBranch(ctx context.Context, parentID, srcID uint64) (*domain.Snapshot, error) {
	if _, err := s.deps.Index.Get(parentID); err != nil {
		return nil, err
	}
	return s.copyNode(ctx, srcID, domain.Ptr(parentID), "ubranch")
}

// New creates a fresh tree from the base image.
func (s *TreeService) New(ctx context.Context) (*domain.Snapshot, error) {
	return s.copyNode(ctx, domain.BaseID, nil, "new")
}

// copyNode is the shared creation path: validate, allocate, duplicate
// content, insert, journal. Nothing is mutated before validation passes.
func (s *TreeService) copyNode(ctx context.Context, srcID uint64, parentID *uint64, op string) (*domain.Snapshot, error) {
	lock, err := s.deps.lockStructural(ctx, op)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	src, err := s.deps.Index.Get(srcID)
	if err != nil {
		return nil, err
	}
	if !src.Sealed {
		return nil, domain.ErrSourceNotSealed.WithDetails(fmt.Sprintf("id %d", srcID))
	}

	id, err := s.deps.Index.NextID()
	if err != nil {
		return nil, err
	}
	if err := s.deps.Store.Create(ctx, id, srcID); err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}

	snap := domain.NewSnapshot(id, parentID)
	snap.PkgFingerprint = src.PkgFingerprint
	if err := s.deps.Index.Insert(snap); err != nil {
		// Content without a record is unreachable; best effort undo.
		_ = s.deps.Store.Delete(ctx, id)
		return nil, err
	}

	s.deps.record(journal.Entry{Op: op, Snapshots: []uint64{srcID, id}})
	s.deps.log().Info("snapshot created", "op", op, "src", srcID, "id", id)
	return snap, nil
}

// CloneTree recursively duplicates srcID and its descendants, preserving
// relative structure. The copy's root has no parent regardless of where
// src sits in its tree.
func (s *TreeService) CloneTree(ctx context.Context, srcID uint64) (*domain.Snapshot, error) {
	lock, err := s.deps.lockStructural(ctx, "clone-tree")
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	order, err := s.deps.Index.Subtree(srcID)
	if err != nil {
		return nil, err
	}
	// Validate the whole subtree before creating anything.
	nodes := make(map[uint64]*domain.Snapshot, len(order))
	for _, oldID := range order {
		snap, err := s.deps.Index.Get(oldID)
		if err != nil {
			return nil, err
		}
		if !snap.Sealed {
			return nil, domain.ErrSourceNotSealed.WithDetails(fmt.Sprintf("id %d", oldID))
		}
		nodes[oldID] = snap
	}

	mapping := make(map[uint64]uint64, len(order))
	var created []uint64
	undo := func() {
		for _, id := range created {
			_ = s.deps.Store.Delete(ctx, id)
			_ = s.deps.Index.Remove(id)
		}
	}

	var rootCopy *domain.Snapshot
	for _, oldID := range order {
		newID, err := s.deps.Index.NextID()
		if err != nil {
			undo()
			return nil, err
		}
		if err := s.deps.Store.Create(ctx, newID, oldID); err != nil {
			undo()
			return nil, domain.ErrStorage.WithCause(err)
		}

		var parent *uint64
		if oldID != srcID {
			mapped := mapping[*nodes[oldID].ParentID]
			parent = &mapped
		}
		snap := domain.NewSnapshot(newID, parent)
		snap.Description = nodes[oldID].Description
		snap.PkgFingerprint = nodes[oldID].PkgFingerprint
		if err := s.deps.Index.Insert(snap); err != nil {
			_ = s.deps.Store.Delete(ctx, newID)
			undo()
			return nil, err
		}

		mapping[oldID] = newID
		created = append(created, newID)
		if oldID == srcID {
			rootCopy = snap
		}
	}

	s.deps.record(journal.Entry{Op: "clone-tree", Snapshots: append([]uint64{srcID}, created...)})
	s.deps.log().Info("tree cloned", "src", srcID, "root", rootCopy.ID, "nodes", len(created))
	return rootCopy, nil
}

// Del removes the whole tree containing id, bottom-up. It refuses trees
// containing the base, the default snapshot, or any open transaction,
// and validates all of that before touching anything.
func (s *TreeService) Del(ctx context.Context, id uint64) error {
	lock, err := s.deps.lockStructural(ctx, "del")
	if err != nil {
		return err
	}
	defer lock.Release()

	order, err := s.deps.Index.TreeOf(id)
	if err != nil {
		return err
	}
	pointers, err := s.deps.Index.Pointers()
	if err != nil {
		return err
	}

	for _, nodeID := range order {
		if nodeID == domain.BaseID {
			return domain.ErrProtectedBase.WithDetails(fmt.Sprintf("tree contains base snapshot %d", domain.BaseID))
		}
		if pointers.IsDefault(nodeID) {
			return domain.ErrDefaultInUse.WithDetails(fmt.Sprintf("tree contains default snapshot %d", nodeID))
		}
		snap, err := s.deps.Index.Get(nodeID)
		if err != nil {
			return err
		}
		if !snap.Sealed {
			return domain.ErrAlreadyOpen.WithDetails(fmt.Sprintf("id %d", nodeID))
		}
	}

	// Leaves first, so a crash mid-way never orphans a child.
	for i := len(order) - 1; i >= 0; i-- {
		nodeID := order[i]
		if s.deps.Store.Exists(nodeID) {
			if err := s.deps.Store.Delete(ctx, nodeID); err != nil {
				return domain.ErrStorage.WithCause(err)
			}
		}
		if err := s.deps.Index.Remove(nodeID); err != nil {
			return err
		}
	}

	s.deps.record(journal.Entry{Op: "del", Snapshots: order})
	s.deps.log().Info("tree deleted", "root", order[0], "nodes", len(order))
	return nil
}

// Desc sets a snapshot's description. Always permitted on existing
// nodes, sealed or not.
func (s *TreeService) Desc(ctx context.Context, id uint64, text string) error {
	snap, err := s.deps.Index.Get(id)
	if err != nil {
		return err
	}
	snap.Description = text
	snap.Touch()
	return s.deps.Index.Update(snap)
}

// Export writes a sealed snapshot's content into a local archive file.
// An empty passphrase produces an unencrypted archive.
func (s *TreeService) Export(ctx context.Context, id uint64, path string, passphrase []byte) error {
	snap, err := s.deps.Index.Get(id)
	if err != nil {
		return err
	}
	if !snap.Sealed {
		return domain.ErrSourceNotSealed.WithDetails(fmt.Sprintf("id %d", id))
	}

	root, err := s.deps.Store.MountRO(ctx, id)
	if err != nil {
		return domain.ErrStorage.WithCause(err)
	}
	defer s.deps.Store.Unmount(ctx, id)

	src := archive.SourceInfo{
		ID:             snap.ID,
		Description:    snap.Description,
		CreatedAt:      snap.CreatedAt,
		PkgFingerprint: snap.PkgFingerprint,
	}
	if err := archive.Export(path, root, src, archive.Options{Passphrase: passphrase}); err != nil {
		return err
	}

	s.deps.record(journal.Entry{Op: "export", Snapshots: []uint64{id}})
	return nil
}

// Import unpacks an archive into a brand-new tree root, exactly like a
// clone of a foreign node. The new id is always freshly allocated.
func (s *TreeService) Import(ctx context.Context, path string, passphrase []byte) (*domain.Snapshot, error) {
	lock, err := s.deps.lockStructural(ctx, "import")
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	id, err := s.deps.Index.NextID()
	if err != nil {
		return nil, err
	}
	dest, err := s.deps.Store.CreateEmpty(ctx, id)
	if err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}

	hdr, err := archive.Import(path, dest, passphrase)
	if err != nil {
		_ = s.deps.Store.Delete(ctx, id)
		return nil, err
	}

	snap := domain.NewSnapshot(id, nil)
	snap.Description = hdr.Source.Description
	snap.PkgFingerprint = hdr.Source.PkgFingerprint
	if err := s.deps.Index.Insert(snap); err != nil {
		_ = s.deps.Store.Delete(ctx, id)
		return nil, err
	}

	s.deps.record(journal.Entry{Op: "import", Snapshots: []uint64{id}})
	s.deps.log().Info("archive imported", "id", id, "source_id", hdr.Source.ID)
	return snap, nil
}
