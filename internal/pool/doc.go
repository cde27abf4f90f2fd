// Package pool is the client side of the shared fixture pool. A Client binds
// to one named pool, holds at most one reservation at a time, and ships
// diagnostic cache bundles to the pool service after failed runs.
//
// Mutual exclusion across processes is the pool service's job; the client
// only enforces the single-reservation rule for its own instance.
package pool
