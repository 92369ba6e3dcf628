// Package scheduler drives job records through their lifecycle.
//
// A single tick loop loads due records, starts them, and submits their
// execution to the job's admission queue without waiting. A waiter per
// submission records the outcome once it resolves. Every read-modify-write
// of a record happens under that record's lock.
package scheduler
