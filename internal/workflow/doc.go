// Package workflow defines the Temporal workflow that drives one job through
// the pipeline when durable dispatch is enabled.
//
// Workflow code must stay deterministic: no wall-clock reads, randomness or
// I/O. Everything with side effects runs in the ExecuteJob activity, which
// the worker package registers under ExecuteJobActivity.
package workflow
