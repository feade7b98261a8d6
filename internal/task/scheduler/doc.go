// Package scheduler is the scheduling engine: it keeps one live timer per
// enabled job, fires due jobs through a Firer and records every outcome in the
// registration registry.
//
// The engine is trigger-only. Execution belongs to the Firer (see package
// firing), which hands work to the execution bridge.
package scheduler
