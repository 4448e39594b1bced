// Package reflow provides a lightweight, embeddable durable orchestration
// engine for Go.
//
// Reflow is designed for backend services that need long-lived, recurring,
// multi-step workflows which survive process restarts: scheduled extraction
// jobs, fan-out/fan-in pipelines, periodic maintenance loops. It runs fully
// in Go, supports multiple persistence backends, and integrates cleanly into
// existing codebases.
//
// # Core Concepts
//
// The Reflow programming model is intentionally small:
//
//  1. Engine
//  2. OrchestratorFunc and ActivityFunc
//  3. Worker
//  4. LocalRunner
//
// # Engine
//
// The Engine persists orchestration instances and their event histories,
// replays orchestration logic deterministically against recorded history,
// and provides the control-plane API:
//   - start instances
//   - terminate instances
//   - read status and history
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Redis
//
// # Orchestrations
//
// An OrchestratorFunc describes a workflow as ordinary Go code calling
// scheduling primitives on its OrchestrationContext: CallActivity,
// CallSubOrchestration, CreateTimer, WhenAll, ContinueAsNew. The function is
// re-executed from the beginning on every replay pass; history supplies the
// results of already-completed work, so the code must be deterministic.
// Anything non-deterministic belongs in an ActivityFunc, which runs on a
// worker with no such constraints.
//
// A recurring workflow runs a bounded cycle, waits on one durable timer, and
// calls ContinueAsNew to reset its history, so an instance that runs forever
// never accumulates unbounded state.
//
// # Worker
//
// A Worker pulls tasks from the engine's queue: replay passes for instances
// with new events, and activity executions whose outcomes are appended back
// into history. Workers run as background goroutines and can be scaled out.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue, and workers into a
// single-process runtime for development and tests.
package reflow
