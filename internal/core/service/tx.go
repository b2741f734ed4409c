package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/grovekit/grove/internal/core/domain"
	"github.com/grovekit/grove/internal/lockfile"
	"github.com/grovekit/grove/internal/storage/journal"
)

const (
	// TxnEnvVar is set in the environment of every process spawned
	// inside a transaction mount. Begin refuses to nest under it.
	TxnEnvVar = "GROVE_TXN"

	// txnMarkerName is the marker written at the mount root for the
	// session's duration, so a chrooted grove sees it at /.
	txnMarkerName = ".grove-txn"

	sessionsDirName = "sessions"
)

// DefaultShell is the interactive shell when none is configured.
const DefaultShell = "/bin/bash"

// BeginOptions tune transaction admission.
type BeginOptions struct {
	// Mode is scripted or interactive; zero value means scripted.
	Mode domain.TxMode

	// AllowBase admits the protected base snapshot (base-update).
	AllowBase bool

	// ForceNested skips the nested-invocation guard.
	ForceNested bool
}

// openTx is the in-process state of one open transaction.
type openTx struct {
	tx      *domain.Transaction
	lock    *lockfile.Lock
	prePkgs []string
}

// TxService implements the transaction lifecycle.
type TxService struct {
	deps       Deps
	pm         PackageManager
	runtimeDir string

	// Shell is the interactive chroot shell.
	Shell string

	// markerRoot is where a chrooted invocation finds the session
	// marker; the live root outside tests.
	markerRoot string

	mu   sync.Mutex
	open map[uint64]*openTx
}

// NewTxService creates a TxService. Session files live under
// runtimeDir/sessions.
func NewTxService(deps Deps, pm PackageManager, runtimeDir string) *TxService {
	return &TxService{
		deps:       deps,
		pm:         pm,
		runtimeDir: runtimeDir,
		Shell:      DefaultShell,
		markerRoot: "/",
		open:       make(map[uint64]*openTx),
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Begin opens a transaction on a snapshot: per-snapshot flock, working
// copy mounted read-write, node unsealed, session file written.
func (s *TxService) Begin(ctx context.Context, id uint64, opts BeginOptions) (*domain.Transaction, error) {
	if opts.Mode == "" {
		opts.Mode = domain.TxScripted
	}

	if !opts.ForceNested {
		if os.Getenv(TxnEnvVar) != "" {
			return nil, domain.ErrNestedInvocation
		}
		// A scrubbed environment still sees the marker at its root.
		if _, err := os.Stat(filepath.Join(s.markerRoot, txnMarkerName)); err == nil {
			return nil, domain.ErrNestedInvocation.WithDetails("session marker present at " + s.markerRoot)
		}
	}

	snap, err := s.deps.Index.Get(id)
	if err != nil {
		return nil, err
	}
	if id == domain.BaseID && !opts.AllowBase {
		return nil, domain.ErrProtectedBase.WithDetails("use base-update to modify the base snapshot")
	}

	lock, err := s.deps.Locks.Acquire(lockfile.SnapshotLock(id), string(opts.Mode))
	if err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			return nil, domain.ErrAlreadyOpen.WithDetails(fmt.Sprintf("id %d", id)).WithCause(err)
		}
		return nil, domain.ErrStorage.WithCause(err)
	}
	release := func() { _ = lock.Release() }

	// A session file under a free flock means a dead or dirty session.
	if prev, err := s.readSession(id); err != nil {
		release()
		return nil, err
	} else if prev != nil {
		if lockfile.ProcessAlive(prev.PID) {
			release()
			return nil, domain.ErrAlreadyOpen.WithDetails(fmt.Sprintf("id %d held by pid %d", id, prev.PID))
		}
		release()
		return nil, domain.ErrDirtySession.WithDetails(fmt.Sprintf("id %d, run tmp first", id))
	}
	if s.deps.Store.HasWork(id) {
		release()
		return nil, domain.ErrDirtySession.WithDetails(fmt.Sprintf("id %d has an orphaned working copy, run tmp first", id))
	}

	mount, err := s.deps.Store.MountRW(ctx, id)
	if err != nil {
		release()
		return nil, domain.ErrStorage.WithCause(err)
	}

	tx, err := domain.NewTransaction(id, mount, opts.Mode, os.Getpid())
	if err != nil {
		_ = s.deps.Store.DiscardWork(ctx, id)
		release()
		return nil, err
	}

	snap.Sealed = false
	snap.Touch()
	if err := s.deps.Index.Update(snap); err != nil {
		_ = s.deps.Store.DiscardWork(ctx, id)
		release()
		return nil, err
	}
	if err := s.writeSession(tx); err != nil {
		snap.Sealed = true
		_ = s.deps.Index.Update(snap)
		_ = s.deps.Store.DiscardWork(ctx, id)
		release()
		return nil, err
	}
	// Advisory marker for nested-invocation detection inside the mount.
	// The fake store's paths are not real directories; failure is fine.
	_ = os.WriteFile(filepath.Join(mount, txnMarkerName), []byte(tx.ID+"\n"), 0o644)

	// The package list before any mutation, for the commit delta.
	prePkgs, err := s.pm.ListInstalled(ctx, mount)
	if err != nil {
		s.deps.log().Warn("package list unavailable at begin", "id", id, "error", err)
	}

	s.mu.Lock()
	s.open[id] = &openTx{tx: tx, lock: lock, prePkgs: prePkgs}
	s.mu.Unlock()

	s.deps.log().Info("transaction opened", "id", id, "txn", tx.ID, "mode", opts.Mode)
	return tx, nil
}

// Run executes one command inside an open transaction's mount and
// returns its exit status.
func (s *TxService) Run(ctx context.Context, id uint64, argv []string) (int, error) {
	o, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	return s.pm.RunEnv(ctx, o.tx.MountPath, argv, []string{TxnEnvVar + "=" + o.tx.ID})
}

// End closes an open transaction. Commit promotes the working copy and
// records the package delta and fingerprint; discard drops the working
// copy, leaving content byte-identical to before Begin.
func (s *TxService) End(ctx context.Context, id uint64, outcome domain.Outcome) (*domain.Snapshot, error) {
	o, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	snap, err := s.deps.Index.Get(id)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case domain.OutcomeCommit:
		// The marker must not be committed into content.
		_ = os.Remove(filepath.Join(o.tx.MountPath, txnMarkerName))

		postPkgs, listErr := s.pm.ListInstalled(ctx, o.tx.MountPath)
		if err := s.deps.Store.Promote(ctx, id); err != nil {
			// The session stays open; the caller may discard instead.
			return nil, domain.ErrStorage.WithCause(err)
		}
		if listErr == nil {
			delta := diffPackages(o.prePkgs, postPkgs)
			if !delta.IsZero() {
				snap.LastDelta = delta
			}
			snap.PkgFingerprint = domain.PackageFingerprint(postPkgs)
		}
	case domain.OutcomeDiscard:
		if err := s.deps.Store.DiscardWork(ctx, id); err != nil {
			return nil, domain.ErrStorage.WithCause(err)
		}
	default:
		return nil, domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("outcome %q", outcome))
	}

	snap.Sealed = true
	snap.Touch()
	if err := s.deps.Index.Update(snap); err != nil {
		return nil, err
	}

	s.close(ctx, id, o)
	s.deps.record(journal.Entry{Op: "txn", Snapshots: []uint64{id}, Outcome: string(outcome)})
	if s.deps.Metrics != nil {
		if outcome == domain.OutcomeCommit {
			s.deps.Metrics.TxCommitted.Inc()
		} else {
			s.deps.Metrics.TxDiscarded.Inc()
		}
	}
	s.deps.log().Info("transaction closed", "id", id, "txn", o.tx.ID, "outcome", outcome)
	return snap, nil
}

// abandon releases the in-process state but leaves the session file,
// the working copy and the unsealed node in place for tmp.
func (s *TxService) abandon(id uint64, o *openTx) {
	_ = o.lock.Release()
	s.mu.Lock()
	delete(s.open, id)
	s.mu.Unlock()
}

func (s *TxService) close(ctx context.Context, id uint64, o *openTx) {
	_ = s.deps.Store.Unmount(ctx, id)
	_ = os.Remove(s.sessionPath(id))
	_ = o.lock.Release()
	s.mu.Lock()
	delete(s.open, id)
	s.mu.Unlock()
}

func (s *TxService) lookup(id uint64) (*openTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.open[id]
	if !ok {
		return nil, domain.ErrNoTransaction.WithDetails(fmt.Sprintf("id %d", id))
	}
	return o, nil
}

// ============================================================================
// Scripted units of work
// ============================================================================

// Install applies packages to a snapshot in one committed transaction.
// Any package-manager failure discards.
func (s *TxService) Install(ctx context.Context, id uint64, pkgs []string) error {
	return s.scripted(ctx, id, BeginOptions{}, func(mount string) error {
		return s.pm.Install(ctx, mount, pkgs)
	})
}

// RemovePkgs removes packages from a snapshot in one committed
// transaction.
func (s *TxService) RemovePkgs(ctx context.Context, id uint64, pkgs []string) error {
	return s.scripted(ctx, id, BeginOptions{}, func(mount string) error {
		return s.pm.Remove(ctx, mount, pkgs)
	})
}

// UpgradeNode runs a full upgrade on a snapshot in one committed
// transaction. allowBase admits node 0 (base-update).
func (s *TxService) UpgradeNode(ctx context.Context, id uint64, allowBase bool) error {
	return s.scripted(ctx, id, BeginOptions{AllowBase: allowBase}, func(mount string) error {
		return s.pm.Upgrade(ctx, mount)
	})
}

// RunOnce executes one command in a fresh transaction: exit 0 commits,
// anything else discards. The exit status is returned either way.
func (s *TxService) RunOnce(ctx context.Context, id uint64, argv []string) (int, error) {
	if _, err := s.Begin(ctx, id, BeginOptions{}); err != nil {
		return 0, err
	}
	status, err := s.Run(ctx, id, argv)
	if err != nil || status != 0 {
		if _, endErr := s.End(ctx, id, domain.OutcomeDiscard); endErr != nil {
			s.deps.log().Error("discard after failed run", "id", id, "error", endErr)
		}
		return status, err
	}
	_, err = s.End(ctx, id, domain.OutcomeCommit)
	return status, err
}

func (s *TxService) scripted(ctx context.Context, id uint64, opts BeginOptions, work func(mount string) error) error {
	tx, err := s.Begin(ctx, id, opts)
	if err != nil {
		return err
	}
	if err := work(tx.MountPath); err != nil {
		if _, endErr := s.End(ctx, id, domain.OutcomeDiscard); endErr != nil {
			s.deps.log().Error("discard after failed work", "id", id, "error", endErr)
		}
		return err
	}
	_, err = s.End(ctx, id, domain.OutcomeCommit)
	return err
}

// ============================================================================
// Interactive sessions
// ============================================================================

// Chroot attaches a shell to a fresh interactive transaction. Shell
// exit 0 commits, 1 discards; any other status abandons the session
// dirty for tmp and returns ErrDirtySession.
func (s *TxService) Chroot(ctx context.Context, id uint64, force bool) (domain.Outcome, error) {
	tx, err := s.Begin(ctx, id, BeginOptions{Mode: domain.TxInteractive, ForceNested: force})
	if err != nil {
		return "", err
	}

	status, runErr := s.pm.RunEnv(ctx, tx.MountPath, []string{s.Shell}, []string{TxnEnvVar + "=" + tx.ID})
	if runErr != nil {
		// The shell never ran; nothing was mutated that a discard
		// cannot undo.
		if _, endErr := s.End(ctx, id, domain.OutcomeDiscard); endErr != nil {
			s.deps.log().Error("discard after shell failure", "id", id, "error", endErr)
		}
		return "", runErr
	}

	outcome, ok := domain.OutcomeFromExit(status)
	if !ok {
		o, lookErr := s.lookup(id)
		if lookErr == nil {
			s.abandon(id, o)
		}
		return "", domain.ErrDirtySession.WithDetails(
			fmt.Sprintf("shell exited with status %d, session left for tmp", status))
	}
	if _, err := s.End(ctx, id, outcome); err != nil {
		return "", err
	}
	return outcome, nil
}

// LiveChroot attaches a shell to the live root. No transaction, no
// commit or discard: whatever changes the shell makes die at the next
// deploy.
func (s *TxService) LiveChroot(ctx context.Context) (int, error) {
	s.deps.log().Warn("live-chroot changes are not captured and vanish at next deploy")
	return s.pm.Run(ctx, "/", []string{s.Shell})
}

// ============================================================================
// Orphan cleanup
// ============================================================================

// SweepReport describes one swept session.
type SweepReport struct {
	SnapshotID uint64 `json:"snapshot_id"`
	TxID       string `json:"tx_id,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// Cleanup sweeps sessions left by dead processes: discard the working
// copy, release the mount, reseal the node, remove the session file.
// Committed content is never touched. Running it twice is a no-op.
func (s *TxService) Cleanup(ctx context.Context) ([]SweepReport, error) {
	var swept []SweepReport

	sessions, err := s.listSessions()
	if err != nil {
		return nil, err
	}
	for _, tx := range sessions {
		if lockfile.ProcessAlive(tx.PID) && s.deps.Locks.Holder(lockfile.SnapshotLock(tx.SnapshotID)) != nil {
			continue
		}
		if err := s.sweep(ctx, tx.SnapshotID); err != nil {
			return swept, err
		}
		swept = append(swept, SweepReport{SnapshotID: tx.SnapshotID, TxID: tx.ID, PID: tx.PID})
	}

	// Unsealed nodes without a session file are the same orphan state
	// minus the record, e.g. after a partial sweep.
	all, err := s.deps.Index.All()
	if err != nil {
		return swept, err
	}
	for _, snap := range all {
		if snap.Sealed {
			continue
		}
		s.mu.Lock()
		_, inProcess := s.open[snap.ID]
		s.mu.Unlock()
		if inProcess {
			continue
		}
		if s.deps.Locks.Holder(lockfile.SnapshotLock(snap.ID)) != nil {
			continue
		}
		if err := s.sweep(ctx, snap.ID); err != nil {
			return swept, err
		}
		swept = append(swept, SweepReport{SnapshotID: snap.ID})
	}

	if len(swept) > 0 {
		ids := make([]uint64, len(swept))
		for i, r := range swept {
			ids[i] = r.SnapshotID
		}
		s.deps.record(journal.Entry{Op: "tmp", Snapshots: ids, Outcome: "swept"})
	}
	return swept, nil
}

func (s *TxService) sweep(ctx context.Context, id uint64) error {
	if s.deps.Store.HasWork(id) {
		if err := s.deps.Store.DiscardWork(ctx, id); err != nil {
			return domain.ErrStorage.WithCause(err)
		}
	}
	_ = s.deps.Store.Unmount(ctx, id)

	snap, err := s.deps.Index.Get(id)
	if err == nil && !snap.Sealed {
		snap.Sealed = true
		snap.Touch()
		if err := s.deps.Index.Update(snap); err != nil {
			return err
		}
	}
	_ = os.Remove(s.sessionPath(id))
	s.deps.log().Info("orphaned session swept", "id", id)
	return nil
}

// ============================================================================
// etc-update
// ============================================================================

// etcDenyList names the volatile files never copied into a snapshot.
var etcDenyList = map[string]bool{
	"fstab":       true,
	"crypttab":    true,
	"machine-id":  true,
	"mtab":        true,
	"resolv.conf": true,
}

// EtcUpdate copies the live /etc into the default snapshot's working
// copy and commits, so configuration drift in the running system
// survives the next deploy. Volatile per-machine files are skipped.
func (s *TxService) EtcUpdate(ctx context.Context, etcDir string) (uint64, error) {
	pointers, err := s.deps.Index.Pointers()
	if err != nil {
		return 0, err
	}
	if !pointers.HasDefault() {
		return 0, domain.ErrNotFound.WithDetails("no default snapshot deployed")
	}
	id := *pointers.DefaultID

	err = s.scripted(ctx, id, BeginOptions{}, func(mount string) error {
		return copyEtc(etcDir, filepath.Join(mount, "etc"))
	})
	if err != nil {
		return id, err
	}
	s.deps.record(journal.Entry{Op: "etc-update", Snapshots: []uint64{id}})
	return id, nil
}

// copyEtc copies srcDir into destDir, skipping the deny list at the top
// level. Regular files and directories only.
func copyEtc(srcDir, destDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("read %s: %w", srcDir, err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		if etcDenyList[e.Name()] {
			continue
		}
		src := filepath.Join(srcDir, e.Name())
		dest := filepath.Join(destDir, e.Name())
		if e.IsDir() {
			if err := copyEtcTree(src, dest); err != nil {
				return err
			}
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		if err := copyEtcFile(src, dest); err != nil {
			return err
		}
	}
	return nil
}

func copyEtcTree(srcDir, destDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		src := filepath.Join(srcDir, e.Name())
		dest := filepath.Join(destDir, e.Name())
		if e.IsDir() {
			if err := copyEtcTree(src, dest); err != nil {
				return err
			}
		} else if e.Type().IsRegular() {
			if err := copyEtcFile(src, dest); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyEtcFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, info.Mode().Perm())
}

// ============================================================================
// Session files
// ============================================================================

// Sessions returns the recorded open sessions, for status output.
func (s *TxService) Sessions() ([]*domain.Transaction, error) {
	return s.listSessions()
}

func (s *TxService) sessionsDir() string {
	return filepath.Join(s.runtimeDir, sessionsDirName)
}

func (s *TxService) sessionPath(id uint64) string {
	return filepath.Join(s.sessionsDir(), fmt.Sprintf("%d.json", id))
}

func (s *TxService) writeSession(tx *domain.Transaction) error {
	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return domain.ErrStorage.WithCause(err)
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return domain.ErrInternal.WithCause(err)
	}
	if err := os.WriteFile(s.sessionPath(tx.SnapshotID), data, 0o644); err != nil {
		return domain.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *TxService) readSession(id uint64) (*domain.Transaction, error) {
	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.ErrStorage.WithCause(err)
	}
	var tx domain.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		// A torn session file is itself a dirty-session symptom.
		return &tx, nil
	}
	return &tx, nil
}

func (s *TxService) listSessions() ([]*domain.Transaction, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.ErrStorage.WithCause(err)
	}
	var txs []*domain.Transaction
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.sessionsDir(), e.Name()))
		if err != nil {
			continue
		}
		var tx domain.Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			continue
		}
		txs = append(txs, &tx)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].SnapshotID < txs[j].SnapshotID })
	return txs, nil
}

// diffPackages computes the delta between two installed-package lists.
func diffPackages(before, after []string) domain.PackageDelta {
	was := make(map[string]bool, len(before))
	for _, p := range before {
		was[p] = true
	}
	is := make(map[string]bool, len(after))
	for _, p := range after {
		is[p] = true
	}

	var delta domain.PackageDelta
	for _, p := range after {
		if !was[p] {
			delta.Added = append(delta.Added, p)
		}
	}
	for _, p := range before {
		if !is[p] {
			delta.Removed = append(delta.Removed, p)
		}
	}
	sort.Strings(delta.Added)
	sort.Strings(delta.Removed)
	return delta
}
