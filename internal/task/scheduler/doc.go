// Package scheduler is the scheduling loop that drives every tenant's tasks and reminders.
//
// A Scheduler owns no global state. It scans the registry on a fixed tick, hands due
// task bodies to the task engine and commits the outcome back to the registry:
//   - rate limits are checked before dispatch and recorded when the run is queued
//   - failures of periodic jobs go through the retry coordinator
//   - reminders are polled on their own, faster tick and removed once delivered
//   - Start runs a one-time sweep that delivers reminders missed while the process was down
package scheduler
