// Package stores provides the durable deployment record store.
// It includes a file-backed store using atomic rename, a SQLite store in WAL
// mode with embedded migrations, and a PostgreSQL store for shared servers.
package stores
