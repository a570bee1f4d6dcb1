// Package dag runs the two-phase chamfer/evaluate workload.
//
// It is split into:
//   - Pool: a fixed number of worker slots shared by every phase
//   - ExecutionState: runtime task statuses, mutated only through Transition
//   - Executor: builds the tasks of each phase, runs them on the Pool and
//     enforces the barrier between phases
//
// All chamfer tasks finish before any evaluation task starts. A started
// subprocess always runs to completion; failures and cancellation only prevent
// new starts.
package dag
