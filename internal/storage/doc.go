// Package storage is the SQLite persistence layer.
//
// Correctness-critical operations are single-row conditional writes:
// the queue claim (pending -> processing) and the lock acquire are both
// one UPDATE/UPSERT whose rows-affected count decides the outcome, and the
// queue's (schedule, item, recipient) uniqueness constraint is the
// authoritative duplicate guard. No multi-row transactions are relied upon.
package storage
