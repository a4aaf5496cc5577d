// Package store provides conversation and message persistence.
//
// The Store interface is the contract the session layer depends on:
// conversations are durable named chat contexts with lifecycle flags and
// an engine resume token; messages are append-only turns whose metadata
// (but never content) may be amended after the fact.
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// mode, automatic schema creation). MockStore is an in-memory stand-in
// for tests with optional failure injection.
package store
