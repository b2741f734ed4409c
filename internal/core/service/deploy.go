package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/grovekit/grove/internal/bootcfg"
	"github.com/grovekit/grove/internal/core/domain"
	"github.com/grovekit/grove/internal/storage/journal"
)

// EntryTemplate carries the boot-entry fields shared by every snapshot;
// the deployment engine appends the per-snapshot selector option.
type EntryTemplate struct {
	Linux   string
	Initrd  string
	Options string
}

// DeployService implements deployment, rollback and base maintenance.
type DeployService struct {
	deps  Deps
	boot  *bootcfg.Manager
	tx    *TxService
	entry EntryTemplate
}

// NewDeployService creates a DeployService.
func NewDeployService(deps Deps, boot *bootcfg.Manager, tx *TxService, entry EntryTemplate) *DeployService {
	return &DeployService{deps: deps, boot: boot, tx: tx, entry: entry}
}

// Deploy publishes a snapshot as the next boot target. The entry is
// written and verified before the single atomic pointer flip; any
// failure before the flip leaves the previous default bootable.
func (s *DeployService) Deploy(ctx context.Context, id uint64) error {
	lock, err := s.deps.lockStructural(ctx, "deploy")
	if err != nil {
		return err
	}
	defer lock.Release()

	snap, err := s.deps.Index.Get(id)
	if err != nil {
		return err
	}
	if !snap.Sealed {
		return domain.ErrSourceNotSealed.WithDetails(fmt.Sprintf("id %d", id))
	}
	if !s.deps.Store.Exists(id) {
		return domain.ErrDeployFailed.WithDetails(fmt.Sprintf("snapshot %d has no content", id))
	}

	if err := s.boot.WriteEntry(id, s.buildEntry(snap)); err != nil {
		return domain.ErrDeployFailed.WithCause(err)
	}
	if err := s.boot.VerifyEntry(id); err != nil {
		return domain.ErrDeployFailed.WithCause(err)
	}

	// Pointers are re-read under the lock: a concurrent deploy that won
	// the race must become the previous default, not be overwritten.
	pointers, err := s.deps.Index.Pointers()
	if err != nil {
		return err
	}

	if err := s.boot.SetDefault(id); err != nil {
		return domain.ErrDeployFailed.WithCause(err)
	}

	if pointers.DefaultID != nil && *pointers.DefaultID != id {
		pointers.PreviousDefaultID = pointers.DefaultID
	}
	pointers.DefaultID = domain.Ptr(id)
	if err := s.deps.Index.SetPointers(pointers); err != nil {
		return err
	}

	s.deps.record(journal.Entry{Op: "deploy", Snapshots: []uint64{id}})
	if s.deps.Metrics != nil {
		s.deps.Metrics.DeploysTotal.Inc()
	}
	s.deps.log().Info("snapshot deployed", "id", id)
	return nil
}

// Reconcile repairs the index pointers when the boot configuration and
// the index disagree, the state a crash between the pointer flip and
// the index write leaves behind. The boot pointer wins: it is what
// boots next.
func (s *DeployService) Reconcile(ctx context.Context) error {
	booted, ok, err := s.boot.Default()
	if err != nil {
		s.deps.log().Warn("boot default unreadable, pointers not reconciled", "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	lock, err := s.deps.lockStructural(ctx, "reconcile")
	if err != nil {
		return err
	}
	defer lock.Release()

	pointers, err := s.deps.Index.Pointers()
	if err != nil {
		return err
	}
	if pointers.IsDefault(booted) {
		return nil
	}
	if pointers.DefaultID != nil {
		pointers.PreviousDefaultID = pointers.DefaultID
	}
	pointers.DefaultID = domain.Ptr(booted)
	if err := s.deps.Index.SetPointers(pointers); err != nil {
		return err
	}
	s.deps.log().Warn("deployment pointers reconciled from boot configuration", "id", booted)
	return nil
}

// Rollback swaps the default and previous-default pointers. Applying it
// twice returns to the starting point; it never reboots.
func (s *DeployService) Rollback(ctx context.Context) (uint64, error) {
	lock, err := s.deps.lockStructural(ctx, "rollback")
	if err != nil {
		return 0, err
	}
	defer lock.Release()

	pointers, err := s.deps.Index.Pointers()
	if err != nil {
		return 0, err
	}
	if pointers.PreviousDefaultID == nil {
		return 0, domain.ErrRollbackUnavailable
	}
	target := *pointers.PreviousDefaultID

	snap, err := s.deps.Index.Get(target)
	if err != nil {
		return 0, err
	}
	if err := s.boot.WriteEntry(target, s.buildEntry(snap)); err != nil {
		return 0, domain.ErrDeployFailed.WithCause(err)
	}
	if err := s.boot.VerifyEntry(target); err != nil {
		return 0, domain.ErrDeployFailed.WithCause(err)
	}
	if err := s.boot.SetDefault(target); err != nil {
		return 0, domain.ErrDeployFailed.WithCause(err)
	}

	pointers.DefaultID, pointers.PreviousDefaultID = pointers.PreviousDefaultID, pointers.DefaultID
	if err := s.deps.Index.SetPointers(pointers); err != nil {
		return 0, err
	}

	s.deps.record(journal.Entry{Op: "rollback", Snapshots: []uint64{target}})
	if s.deps.Metrics != nil {
		s.deps.Metrics.RollbacksTotal.Inc()
	}
	s.deps.log().Info("rolled back", "id", target)
	return target, nil
}

// BaseUpdate upgrades the base snapshot in a committed transaction.
// Existing descendants are deliberately untouched: only snapshots
// created afterwards inherit the new base.
func (s *DeployService) BaseUpdate(ctx context.Context) error {
	if err := s.tx.UpgradeNode(ctx, domain.BaseID, true); err != nil {
		return err
	}
	s.deps.record(journal.Entry{Op: "base-update", Snapshots: []uint64{domain.BaseID}})
	return nil
}

// Current reports the presently booted snapshot, if this is a
// grove-booted environment.
func (s *DeployService) Current() (uint64, bool) {
	return s.boot.Current()
}

// Pointers reads the persisted deployment pointers.
func (s *DeployService) Pointers() (domain.BootPointers, error) {
	return s.deps.Index.Pointers()
}

func (s *DeployService) buildEntry(snap *domain.Snapshot) bootcfg.Entry {
	title := fmt.Sprintf("grove snapshot %d", snap.ID)
	if snap.Description != "" {
		title += " (" + snap.Description + ")"
	}
	options := fmt.Sprintf("%s=%d", bootcfg.CmdlineParam, snap.ID)
	if s.entry.Options != "" {
		options = strings.TrimSpace(s.entry.Options) + " " + options
	}
	return bootcfg.Entry{
		Title:   title,
		Linux:   s.entry.Linux,
		Initrd:  s.entry.Initrd,
		Options: options,
	}
}
