// Package domain defines the core domain models for grove.
//
// Domain models are pure value objects and entities without any
// IO dependencies or framework coupling: snapshot nodes, transactions,
// boot pointers, and the structured error taxonomy.
package domain
