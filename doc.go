// Package ledger implements the persistence core of an event-sourced system:
// an append-only, per-aggregate message log with optimistic concurrency, a
// canonical message envelope, aggregate replay, and a Unit of Work that
// commits an aggregate's raised messages and state atomically before anything
// is dispatched.
//
// Typical usage looks like:
//   - Register aggregate Kinds and their message TypeTags in a Registry
//   - Open an EventLog (memory, Redis, bbolt or Postgres)
//   - Create a Ledger around the log, optionally with Providers for
//     state-stored aggregates and a Transport for outbound messages
//   - Define Appliers that fold messages into aggregate state
//   - Mutate aggregates inside Ledger.Transact, or run Commands through an
//     Executor that retries on ConcurrencyConflict
//   - Consume committed messages with Subscriptions that checkpoint their
//     position after every handled message
//
// Streams are named "<category>-<id>" for events and
// "<category>:command-<id>" for commands. Reading a category (the prefix
// before the first "-") or "$all" returns messages in store-wide commit
// order.
//
// The examples/ directory contains a runnable order workflow that exercises
// the API in a small domain.
package ledger
