// Package cache provides the ambient cache shared by job handlers during a run.
//
// Memory holds entries in process and is what the runner clears on every
// memory release. When a FileStore is attached, writes are grouped as
// pending operations and pushed to disk on Flush, and misses fall back to
// the files left by earlier runs:
//   - File-based storage in ~/.leaserun/cache/ as one JSON file per key
//   - Per-entry TTL (default 1 hour), validated against a 1 minute to 7 day range
//   - Hit, miss and write counters plus a bounded debug buffer, reset by Clear
package cache
