// Package runner drains one leased batch of queued jobs to completion.
//
// A Runner goes through two phases per cycle:
//   - Setup runs the cleanup pass, subscribes to the executor's lifecycle
//     signals, checks the concurrency ceiling, and stakes a lease over up to
//     N pending jobs.
//   - Run executes the batch sequentially. Before every job the lease is
//     re-read from the store; if it no longer covers the job the run stops
//     and reports the number of jobs already processed.
//
// Job failures are contained per job. Only admission, lease loss, upstream
// store errors, context cancellation and the optional halt-on-failure policy
// end a cycle early. Every processed job ticks the progress reporter, and
// every Nth job triggers a memory release that resets query history and
// clears the ambient cache.
package runner
