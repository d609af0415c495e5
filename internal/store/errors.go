package store

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for it explicitly
// using errors.Is to distinguish missing records from other database errors.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyTerminal is returned by guarded task status updates when the task
// already reached a terminal state. It is how the terminal-once invariant
// surfaces to handlers — treating it as "done, drop the event" makes every
// lifecycle handler idempotent.
var ErrAlreadyTerminal = errors.New("task already in a terminal state")

// ErrAlreadyDelivered is returned by MarkDelivered when the offline-queue
// entry has already been delivered. A delivered entry is never resent.
var ErrAlreadyDelivered = errors.New("offline message already delivered")
