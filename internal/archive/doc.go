// Package archive records published channel events in PostgreSQL.
//
// The Archiver pulls events from Backend.Subscribe feeds, one per configured
// topic, and batch-inserts them into channel_events. Inserts are append-only
// and idempotent on event_id. The archive is an audit trail: a failed flush
// is logged and counted, and its rows are not retried.
package archive
