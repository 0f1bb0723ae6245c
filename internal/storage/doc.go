// Package storage persists scheduler state: tasks, pending reminders, retry states,
// duplicate-guard digests and the audit trail.
//
// Every driver implements the same Store interface. Services load their state at
// startup and write through on each mutation; the store never coordinates processes.
package storage
