// Package jobs runs readiness analysis and task suggestion as jobs.
//
// A command creates a job in the requested state and publishes its id on
// the bus. A worker claims it (requested to processing, compare-and-swap
// in the store), runs it, and finishes it as completed or failed. Every
// step appends an event; the Projector turns events into the read models
// served to callers, and Replay rebuilds them from the log.
//
// Identical requests within the debounce window return the existing job.
package jobs
