// Package sessionguard runs cleanup hooks when a signal interrupts an
// open transaction.
//
// A transaction that dies mid-flight must leave a truthful trail: the
// guard is armed for the lifetime of the session and, on SIGINT or
// SIGTERM, marks the session dirty and releases what it can before the
// process exits. Hooks run in reverse registration order.
package sessionguard
