// Package engine implements the per-rank controller of the tilegrid runtime.
//
// The controller turns kernel submissions into tasks and drains them.
//
// ARCHITECTURE:
//
// Owner computes:
// Every rank of a scope submits the same sequence of kernels (SPMD). For a
// kernel with writable arguments, the rank owning those tiles executes it
// and pushes Local revisions; every other rank pushes Remote revisions so
// that histories stay aligned in time across ranks. Read-only kernels run
// on the calling rank. Replicated kernels run everywhere and produce Common
// revisions.
//
// Fetch on demand:
// A kernel reading a Remote revision that is not valid locally spawns a
// GetTask. Redundant spawns collapse into one fetch per revision (Update is
// true exactly once). The get claims the revision as its generator, binds
// storage for it and completes it when the transport handle resolves.
//
// Schedule loop:
// Schedule drains the task queue in FIFO passes. A pass polls every task
// once and invokes those that are ready; tasks that are not ready keep
// their place ahead of newer work. Schedule never blocks: suspension points
// are exactly the fetches whose handles have not resolved. It returns when
// a pass makes no progress, and it may not be re-entered from a kernel.
//
// Kernel threads:
// With more than one kernel thread and a tunable context, the kernel
// bodies made ready in one pass run concurrently on an errgroup. Storage
// materialization and completion stay on the rank's goroutine, in FIFO
// order, so revision state is never mutated concurrently.
package engine
