// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"database/sql"
	"fmt"

	"decred.org/cyclesmarket/server/db/driver/pg/internal"
)

const (
	metaTableName   = "meta"
	stateTableName  = "state"
	tradesTableName = "trades"

	dbVersion = 1
)

type tableStmt struct {
	name string
	stmt string
}

var createPublicTableStatements = []tableStmt{
	{metaTableName, internal.CreateMetaTable},
	{stateTableName, internal.CreateStateTable},
	{tradesTableName, internal.CreateTradesTable},
}

// createTable creates a table with the given name using the provided SQL
// statement, if it does not already exist.
func createTable(db *sql.DB, stmt, schema, tableName string) (bool, error) {
	exists, err := tableExists(db, schema, tableName)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	log.Debugf("Creating the %q table.", tableName)
	_, err = db.Exec(fmt.Sprintf(stmt, schema+"."+tableName))
	return err == nil, err
}

// PrepareTables ensures that all tables required by the store exist.
func PrepareTables(db *sql.DB) error {
	for _, t := range createPublicTableStatements {
		created, err := createTable(db, t.stmt, publicSchema, t.name)
		if err != nil {
			return fmt.Errorf("failed to create table %q: %w", t.name, err)
		}
		if created && t.name == metaTableName {
			if _, err = sqlExec(db, internal.CreateMetaRow); err != nil {
				return fmt.Errorf("failed to create meta row: %w", err)
			}
			if _, err = sqlExec(db, internal.SetDBVersion, dbVersion); err != nil {
				return fmt.Errorf("failed to set db version: %w", err)
			}
		}
	}
	_, err := db.Exec(fmt.Sprintf(internal.CreateTradesPositionIndex, "trades_positions_idx", publicSchema+"."+tradesTableName))
	return err
}

// DBVersion retrieves the schema version from the meta table.
func DBVersion(db *sql.DB) (ver uint32, err error) {
	err = db.QueryRow(internal.SelectDBVersion).Scan(&ver)
	return
}
