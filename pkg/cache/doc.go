/*
Package cache implements the agent's persistent state files.

Every store is a single JSON file rewritten atomically (temp file, fsync,
rename) under an internal mutex. A missing or corrupt file always loads as an
empty store so damaged state never blocks agent boot; write failures are
logged and returned to the caller.

Four store shapes cover the agent's needs:

  - KV: ordered string map with oldest-first eviction past a limit. Used for
    the dp-request to order index, the legacy network index, and the shared
    content-store version file.
  - Set: append-only membership set stored as a JSON array. Used for the
    processed dp/do request ledgers.
  - TimestampedSet: set recording when each value was last added, used for
    downloaded content so a weekly sweep can expire stale entries. Loads the
    older array-only file layout and migrates it in place.
  - AppendLog: audit trail of matched orders.

RetryLedger is the one-record store tracking retries of the currently booked
order across restarts.
*/
package cache
