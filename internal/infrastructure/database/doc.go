// Package database provides the SQLite connection used by the cell's
// history store.
//
// The file is opened in WAL mode with a single writer connection, so API
// reads do not block inspection and step records written from the control
// paths. Schema changes are SQL migration pairs
// (YYYYMMDD_HHMMSS_name.up.sql / .down.sql) read from an fs.FS, normally
// the one embedded by the migrations package:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.Source()); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or have a default.
package database
