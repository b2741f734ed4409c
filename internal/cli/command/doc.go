// Package command defines the grove CLI surface: forest structure,
// transactions, deployment, synchronization and system maintenance
// commands, each mapping to one service operation.
package command
