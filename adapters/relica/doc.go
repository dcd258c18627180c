// Package relica provides repository implementations using Relica query builder.
//
// Relica (github.com/coregx/relica) is a lightweight, type-safe database query builder
// for Go with zero production dependencies.
//
// This package provides production-ready implementations of the jetsync
// repository interfaces:
//   - OutboxRepository
//   - InboxRepository
//
// Example usage:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/jetsync"
//	    "github.com/coregx/jetsync/adapters/relica"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	// Open database connection
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/app_db?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Apply the embedded schema migrations
//	if err := jetsync.ApplyMigrations(db); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create repositories (driverName should be "mysql", "postgres", or "sqlite3")
//	repos := relica.NewRepositories(db, "mysql")
//
//	// Wire into the publisher and consumer
//	publisher, err := jetsync.NewPublisher(
//	    jetsync.WithPublisherConnection(conn),
//	    jetsync.WithPublisherConfig(cfg),
//	    jetsync.WithOutboxRepository(repos.Outbox),
//	    jetsync.WithPublisherLogger(logger),
//	)
package relica
