package jobdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE job(
			id INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			detector TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INT NOT NULL,
			finished_at INT,
			params TEXT,
			result TEXT,
			error TEXT
		);
		CREATE INDEX idx_job_detector ON job(detector);
	`))

	return migs
}
