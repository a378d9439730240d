// Package types defines the shared data model of the Loom orchestration
// engine: thread state and shared memory, checkpoints, permission requests,
// background jobs, stream events, and the unified error taxonomy.
//
// The package has no dependencies on other Loom packages so that every
// component (stores, state machine, job manager, streaming gateway, API)
// can exchange values without import cycles.
package types
