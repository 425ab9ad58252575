// Package database manages the bridge's SQLite database.
//
// The database caches accessory records and their last known characteristic
// values so they survive a restart of the bridge or the runnable.
//
// Schema changes are versioned SQL files applied by Migrate. The production
// set is embedded by the top-level migrations package:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// The connection pool is limited to one connection, matching SQLite's
// single-writer model.
package database
