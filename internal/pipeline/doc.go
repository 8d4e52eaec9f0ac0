// Package pipeline runs one GraphQL operation through an ordered chain of
// interchangeable stages (plugins) and hands the first result any stage
// produces back to the caller.
//
// # Overview
//
// A client is configured with a list of Plugins, typically a cache stage
// followed by a transport stage. For every call to Executor.Execute a fresh
// Context is built and shared by all stages of that execution:
//
//   - Operation: the canonical operation, with its cache key, type and
//     effective cache policy already resolved.
//   - Fetch: transport options (URL, method, headers). Stages may mutate them,
//     e.g. an auth stage adding a header ahead of the transport stage.
//   - A single result slot, written through UseResult.
//   - A terminate flag, raised by UseResult(r, true).
//   - An ordered list of after-query continuations registered through
//     AfterQuery.
//
// # Execution Model
//
// Execute works in two phases.
//
//	A. Foreground
//	   - Stages run one after another in configured order. Each stage is
//	     awaited before the next one starts; there is no parallel stage
//	     execution within one operation.
//	   - After every stage the executor checks the result slot. The first
//	     stage that filled it wins: its index is recorded and the loop stops,
//	     even if later stages would also produce a result.
//	   - If no stage filled the slot the pipeline is mis-provisioned (for
//	     example it has no terminal transport stage) and Execute fails with
//	     ErrNoResult instead of returning an empty result.
//	   - A stage returning an error fails the execution; nothing is retried.
//	   - The winning result is returned to the caller.
//
//	B. Background tail
//	   - Unless the winning stage terminated the chain, the stages after the
//	     winner run in order on a detached goroutine. They may replace the
//	     result slot (a cache-and-network refetch does), but the caller has
//	     already returned; the new value only reaches continuations and side
//	     effects such as cache writes.
//	   - Then every registered continuation runs in registration order, each
//	     awaited before the next, with the final content of the result slot.
//	   - The tail runs on a context detached from the caller's cancellation.
//	     Its first error or panic stops the remaining tail work and is
//	     reported through the logger, metrics, events.BackgroundFailure and
//	     the optional background error handler. It is never returned to the
//	     caller.
//
// Executor.Wait blocks until every tail started so far has finished.
//
// # Concurrency
//
// Stages and continuations of one execution never overlap: the foreground
// phase finishes before its tail goroutine is started. Distinct executions are
// independent and interleave freely; shared state such as a result cache must
// be safe for concurrent use, and a tail writing a stale entry after a newer
// one is an accepted race.
package pipeline
