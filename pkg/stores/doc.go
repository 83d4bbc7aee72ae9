// Package stores persists what mostd observes about the network: route
// reports, resource diagnostics and an audit trail of daemon actions.
//
// SQLiteStore uses modernc.org/sqlite with WAL mode for file databases and
// applies embedded golang-migrate migrations. Recorder queues records from
// the scheduler goroutine and writes them from its own goroutine so that a
// slow disk never delays route processing.
package stores
