// Package storage persists jobs, accounts and the cached group list.
//
// The only driver is SQLite (modernc.org/sqlite, pure Go). All access goes
// through a single pooled connection, so every statement and transaction is
// serialized; per-job read-merge-write of details runs inside one
// transaction.
package storage
