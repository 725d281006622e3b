// Package stores persists install history in SQLite.
//
// Each install attempt is an install_runs row; its state transitions and
// commands are install_events rows and every diagnosis made while it ran is
// an error_analyses row, numbered in the order produced. Dependency installs
// are separate runs pointing at their parent. The schema is managed by
// embedded golang-migrate migrations and the database runs in WAL mode.
package stores
