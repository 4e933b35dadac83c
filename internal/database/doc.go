// Package database opens the optional PostgreSQL pool used by the
// connection event log.
package database
