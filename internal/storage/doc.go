// Package storage provides the generic paged storage contract shared by
// every entity kind in the broker.
//
// # Overview
//
// Storage[T] is a small create/read/update/destroy/search/count abstraction
// over a keyed item type. Conversations, events, tasks, and file listings all
// page through the same contract, so pagination behaves identically across
// the HTTP surface.
//
// # Ownership
//
// A store owns the canonical value for every item it holds. The Identity[T]
// passed at construction supplies a Clone function that runs whenever an
// item crosses the store boundary, so a caller mutating a returned value can
// never corrupt store state.
//
// # Pagination
//
// Search returns at most one page of results in insertion order plus an
// opaque cursor. The cursor is a base64-encoded decimal skip offset;
// clients treat it as a black box. A page carries a NextPageID iff strictly
// more results remain, so the last page's cursor is always absent.
//
// # Implementations
//
//   - MemoryStorage: the in-process reference store (mutex-guarded map).
//   - SQLiteStorage: the same contract on modernc.org/sqlite, with items
//     serialized through a Codec so polymorphic payloads round-trip.
//
// Filters are Go predicates evaluated per item, not a query language; the
// SQLite store scans rows in sequence order to apply them.
package storage
