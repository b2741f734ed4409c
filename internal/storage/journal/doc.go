// Package journal provides the append-only operation journal.
//
// Every successful structural mutation and transaction end appends one
// JSON-lines entry. The journal is an audit trail for operators and the
// events command; it is never read back to reconstruct state (the tree
// index is the single source of truth).
package journal
