package service

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/grovekit/grove/internal/core/domain"
	"github.com/grovekit/grove/internal/storage/journal"
)

// SyncService implements package-state fan-out over a tree.
//
// All fan-out operations walk in pre-order and fail fast: the first
// failing node halts the walk, already-processed nodes keep their new
// state, and the error names the failing node.
type SyncService struct {
	deps Deps
	tx   *TxService

	// limiter paces node transactions; nil means unpaced.
	limiter *rate.Limiter
}

// NewSyncService creates a SyncService. opsPerMinute <= 0 disables
// pacing.
func NewSyncService(deps Deps, tx *TxService, opsPerMinute int) *SyncService {
	var limiter *rate.Limiter
	if opsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opsPerMinute)/60.0), 1)
	}
	return &SyncService{deps: deps, tx: tx, limiter: limiter}
}

// Sync replays the source node's last package delta onto each
// descendant and runs a full upgrade on it. Descendants already stamped
// with the source's fingerprint are skipped, so a second run is a no-op.
func (s *SyncService) Sync(ctx context.Context, srcID uint64) error {
	return s.fanOutFrom(ctx, srcID, "sync", true)
}

// ForceSync replays the delta only, skipping the upgrade pass. The
// package-database divergence this can leave between a node and its
// synced packages is accepted behavior; Sync repairs it.
func (s *SyncService) ForceSync(ctx context.Context, srcID uint64) error {
	return s.fanOutFrom(ctx, srcID, "force-sync", false)
}

func (s *SyncService) fanOutFrom(ctx context.Context, srcID uint64, op string, upgrade bool) error {
	src, err := s.deps.Index.Get(srcID)
	if err != nil {
		return err
	}
	if !src.Sealed {
		return domain.ErrSourceNotSealed.WithDetails(fmt.Sprintf("id %d", srcID))
	}

	order, err := s.deps.Index.Subtree(srcID)
	if err != nil {
		return err
	}

	var synced, skipped []uint64
	for _, id := range order {
		if id == srcID {
			continue
		}
		snap, err := s.deps.Index.Get(id)
		if err != nil {
			return s.fail(op, id, err)
		}
		if src.PkgFingerprint != 0 && snap.SyncedFrom == src.PkgFingerprint {
			skipped = append(skipped, id)
			continue
		}

		if err := s.pace(ctx); err != nil {
			return err
		}
		err = s.tx.scripted(ctx, id, BeginOptions{}, func(mount string) error {
			if err := s.tx.pm.Install(ctx, mount, src.LastDelta.Added); err != nil {
				return err
			}
			if err := s.tx.pm.Remove(ctx, mount, src.LastDelta.Removed); err != nil {
				return err
			}
			if upgrade {
				return s.tx.pm.Upgrade(ctx, mount)
			}
			return nil
		})
		if err != nil {
			s.countNodes(len(synced), len(skipped), 1)
			return s.fail(op, id, err)
		}

		// End rewrote the record; stamp the skip marker on the fresh one.
		snap, err = s.deps.Index.Get(id)
		if err != nil {
			return s.fail(op, id, err)
		}
		snap.SyncedFrom = src.PkgFingerprint
		if err := s.deps.Index.Update(snap); err != nil {
			return s.fail(op, id, err)
		}
		synced = append(synced, id)
	}

	s.countNodes(len(synced), len(skipped), 0)
	s.deps.record(journal.Entry{Op: op, Snapshots: append([]uint64{srcID}, synced...), Outcome: "ok"})
	s.deps.log().Info("fan-out finished", "op", op, "src", srcID, "synced", len(synced), "skipped", len(skipped))
	return nil
}

// TreeRun executes a command on every node of the tree containing id,
// one transaction per node. A non-zero exit discards that node and
// halts the walk.
func (s *SyncService) TreeRun(ctx context.Context, id uint64, argv []string) error {
	return s.fanOutTree(ctx, id, "tree-run", func(nodeCtx context.Context, nodeID uint64) error {
		status, err := s.tx.RunOnce(nodeCtx, nodeID, argv)
		if err != nil {
			return err
		}
		if status != 0 {
			return fmt.Errorf("command exited with status %d", status)
		}
		return nil
	})
}

// TreeUpgrade runs a full upgrade on every node of the tree.
func (s *SyncService) TreeUpgrade(ctx context.Context, id uint64) error {
	return s.fanOutTree(ctx, id, "tree-upgrade", func(nodeCtx context.Context, nodeID uint64) error {
		return s.tx.UpgradeNode(nodeCtx, nodeID, false)
	})
}

// TreeRemove removes packages from every node of the tree.
func (s *SyncService) TreeRemove(ctx context.Context, id uint64, pkgs []string) error {
	return s.fanOutTree(ctx, id, "tree-rmpkg", func(nodeCtx context.Context, nodeID uint64) error {
		return s.tx.RemovePkgs(nodeCtx, nodeID, pkgs)
	})
}

func (s *SyncService) fanOutTree(ctx context.Context, id uint64, op string, work func(context.Context, uint64) error) error {
	order, err := s.deps.Index.TreeOf(id)
	if err != nil {
		return err
	}
	var done []uint64
	for _, nodeID := range order {
		if err := s.pace(ctx); err != nil {
			return err
		}
		if err := work(ctx, nodeID); err != nil {
			s.countNodes(len(done), 0, 1)
			return s.fail(op, nodeID, err)
		}
		done = append(done, nodeID)
	}
	s.countNodes(len(done), 0, 0)
	s.deps.record(journal.Entry{Op: op, Snapshots: done, Outcome: "ok"})
	return nil
}

func (s *SyncService) pace(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

func (s *SyncService) fail(op string, id uint64, err error) error {
	s.deps.log().Error("fan-out halted", "op", op, "node", id, "error", err)
	return domain.ErrSyncConflict.WithDetails(fmt.Sprintf("%s failed at node %d", op, id)).WithCause(err)
}

func (s *SyncService) countNodes(synced, skipped, failed int) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.SyncNodes.WithLabelValues("synced").Add(float64(synced))
	s.deps.Metrics.SyncNodes.WithLabelValues("skipped").Add(float64(skipped))
	s.deps.Metrics.SyncNodes.WithLabelValues("failed").Add(float64(failed))
}
