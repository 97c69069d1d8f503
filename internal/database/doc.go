// Package database provides the PostgreSQL connection pool and schema used by
// the event archive.
package database
