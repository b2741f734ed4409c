// Package lockfile provides cross-process advisory locks.
//
// grove is driven by sequential one-shot invocations, so in-process mutexes
// protect nothing; mutual exclusion lives in flock(2) locks under the runtime
// directory. One lock guards the structural index, one lock per snapshot id
// guards its transaction. Lock files carry JSON holder info for status
// reporting; the kernel releases the flock itself when a holder dies.
package lockfile
