// Package snapstore abstracts the copy-on-write snapshot backend.
//
// Snapshot content lives at <root>/content/<id>; an open transaction's
// working copy lives at <root>/work/<id>. Committing promotes the working
// copy to content; discarding drops it, leaving content byte-identical to
// its pre-transaction state.
//
// Two backends are provided: btrfs (subvolume snapshots via the btrfs
// command) and dir (portable recursive copy, for non-btrfs roots and
// tests). The memstore subpackage carries an in-memory fake for service
// tests.
package snapstore
