// Package relica provides a resonance.Store backed by MySQL, PostgreSQL or SQLite.
//
// Relica (github.com/coregx/relica) is a lightweight, type-safe database query builder
// for Go with zero production dependencies. The store uses it for lookups and simple
// updates; the claim protocol runs conditional statements through database/sql.
//
// The schema must exist before the store is used. Apply it with the migrations package:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/resonance"
//	    "github.com/coregx/resonance/adapters/relica"
//	    "github.com/coregx/resonance/migrations"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/bus?parseTime=true&multiStatements=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := migrations.Apply(db, "mysql", ""); err != nil {
//	    log.Fatal(err)
//	}
//
//	store, err := relica.NewStore(db, relica.DefaultConfig("mysql"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	publisher, err := resonance.NewPublisher(
//	    resonance.WithPublisherRepositories(store, store),
//	    resonance.WithPublisherLogger(logger),
//	)
//
// Several processes may share one database: claims are coordinated through the delivery
// table alone.
package relica
