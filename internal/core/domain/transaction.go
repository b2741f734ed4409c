package domain

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TxIDPrefix is the prefix for transaction ids.
// Format: gvtx-{ulid_lowercase}, 31 characters total.
const TxIDPrefix = "gvtx-"

// TxMode distinguishes scripted units of work from attached shell sessions.
type TxMode string

const (
	// TxScripted runs a single command against the mount (install, remove,
	// upgrade, run and the fan-out operations).
	TxScripted TxMode = "scripted"

	// TxInteractive attaches a shell to the mount (chroot). The shell exit
	// status selects the outcome at the CLI boundary.
	TxInteractive TxMode = "interactive"
)

// Outcome is the two-valued result of a transaction. The interactive shell
// exit-status convention (0 commit, 1 discard) is mapped to this type at the
// CLI boundary; everything below the boundary works with Outcome only.
type Outcome string

const (
	OutcomeCommit  Outcome = "commit"
	OutcomeDiscard Outcome = "discard"
)

// OutcomeFromExit maps an interactive shell exit status to an Outcome.
// Status 0 means commit, 1 means discard. Any other status is a dirty or
// ambiguous termination: ok is false and the session must be left for tmp.
func OutcomeFromExit(status int) (o Outcome, ok bool) {
	switch status {
	case 0:
		return OutcomeCommit, true
	case 1:
		return OutcomeDiscard, true
	default:
		return "", false
	}
}

// Transaction is an ephemeral mutation session against one snapshot.
//
// It is serialized as a session file under the runtime directory for the
// duration of the session, so a later invocation can detect orphans left by
// a crashed process. It is never persisted in the tree index.
type Transaction struct {
	// ID is the transaction id. Format: gvtx-{ulid_lowercase}.
	ID string `json:"id"`

	// SnapshotID is the snapshot this transaction holds open.
	SnapshotID uint64 `json:"snapshot_id"`

	// MountPath is the read-write working copy path.
	MountPath string `json:"mount_path"`

	// Mode is scripted or interactive.
	Mode TxMode `json:"mode"`

	// PID is the process that opened the transaction. Used by orphan
	// detection: a session file whose PID is dead is sweepable.
	PID int `json:"pid"`

	// StartedAt is the session start timestamp (Unix milliseconds).
	StartedAt int64 `json:"started_at"`
}

// NewTransaction creates a transaction record for the given snapshot.
func NewTransaction(snapshotID uint64, mountPath string, mode TxMode, pid int) (*Transaction, error) {
	id, err := GenerateTxID()
	if err != nil {
		return nil, err
	}
	return &Transaction{
		ID:         id,
		SnapshotID: snapshotID,
		MountPath:  mountPath,
		Mode:       mode,
		PID:        pid,
		StartedAt:  time.Now().UnixMilli(),
	}, nil
}

// GenerateTxID generates a new transaction id using ULID.
func GenerateTxID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", ErrInternal.WithCause(err)
	}
	return TxIDPrefix + strings.ToLower(id.String()), nil
}

// IsValidTxID checks if a string is a valid transaction id.
func IsValidTxID(id string) bool {
	id = strings.ToLower(id)
	if !strings.HasPrefix(id, TxIDPrefix) {
		return false
	}
	// gvtx- (5) + ULID (26) = 31 characters
	if len(id) != 31 {
		return false
	}
	_, err := ulid.Parse(strings.ToUpper(id[len(TxIDPrefix):]))
	return err == nil
}

// Age returns the elapsed time since the transaction started.
func (t *Transaction) Age() time.Duration {
	return time.Since(time.UnixMilli(t.StartedAt))
}

// StartedAtTime returns StartedAt as time.Time.
func (t *Transaction) StartedAtTime() time.Time {
	return time.UnixMilli(t.StartedAt)
}
