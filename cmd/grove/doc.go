// Package main provides the entry point for grove.
//
// grove manages a forest of system snapshots over a copy-on-write
// store:
//
//   - Forest operations (init, branch, clone, del, export, import)
//   - Transactional mutation (chroot, run, install, remove, upgrade)
//   - Atomic deployment and rollback
//   - Package-state synchronization across snapshot trees
//
// Usage:
//
//	grove [command] [flags]
//	grove tree
//	grove install 5 vim
//	grove deploy 5
package main
