// Package rtdb implements a small hierarchical realtime-database layer on
// top of Redis: path references, optimistic compare-and-set transactions,
// a server-timestamp sentinel, and filtered/ordered child-event listeners.
//
// It exists to give taskqueue and queueworker something concrete to run
// against. Every mutation goes through a Ref so that transactions retry
// automatically on contention and child listeners observe every write.
package rtdb
