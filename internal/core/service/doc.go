// Package service implements the grove operations over the tree index,
// the snapshot store and the external collaborators.
//
// Four services split the surface: TreeService (forest structure),
// TxService (transactions), SyncService (package-state fan-out) and
// DeployService (boot pointer management). All structural mutation runs
// under the cross-process locks from internal/lockfile and is recorded
// in the operation journal.
package service
