// Package mysql persists orders, proposals and negotiation transcripts in
// MySQL. Schema migrations are embedded from deploy/migrations and applied in
// version order when a connection pool is opened with AutoMigrate.
package mysql
