// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // Start the PostgreSQL sql driver
)

const publicSchema = "public"

// connect opens a connection to a PostgreSQL database. The caller is
// responsible for calling Close() on the returned db when finished using it.
// The input host may be an IP address for TCP connection, or an absolute path
// to a UNIX domain socket.
func connect(host, port, user, pass, dbName string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString(host, port, user, pass, dbName))
	if err != nil {
		return nil, err
	}

	// Establish a connection and verify it is alive.
	err = db.Ping()
	return db, err
}

func connString(host, port, user, pass, dbName string) string {
	var psqlInfo string
	if pass == "" {
		psqlInfo = fmt.Sprintf("host=%s user=%s "+
			"dbname=%s sslmode=disable",
			host, user, dbName)
	} else {
		psqlInfo = fmt.Sprintf("host=%s user=%s "+
			"password=%s dbname=%s sslmode=disable",
			host, user, pass, dbName)
	}

	// Only add port for a TCP connection since UNIX domain sockets (specified
	// by a "/" prefix) do not have a port.
	if !strings.HasPrefix(host, "/") {
		psqlInfo += fmt.Sprintf(" port=%s", port)
	}
	return psqlInfo
}

// sqlExecutor is implemented by both sql.DB and sql.Tx.
type sqlExecutor interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// sqlExec executes the SQL statement string with any optional arguments, and
// returns the number of rows affected.
func sqlExec(db sqlExecutor, stmt string, args ...interface{}) (int64, error) {
	res, err := db.Exec(stmt, args...)
	if err != nil {
		return 0, err
	}
	if res == nil {
		return 0, nil
	}

	var N int64
	N, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf(`error in RowsAffected: %w`, err)
	}
	return N, err
}

// tableExists checks if the specified table exists in the schema.
func tableExists(db *sql.DB, schema, tableName string) (bool, error) {
	rows, err := db.Query(`SELECT 1
		FROM   pg_tables
		WHERE  schemaname = $1
		AND    tablename = $2;`,
		schema, tableName)
	if err != nil {
		return false, err
	}

	defer func() {
		if e := rows.Close(); e != nil {
			log.Errorf("Close of Query failed: %v", e)
		}
	}()
	return rows.Next(), nil
}

func retrievePGVersion(db *sql.DB) (ver string, err error) {
	err = db.QueryRow(`SELECT version();`).Scan(&ver)
	return
}

func checkCurrentTimeZone(db *sql.DB) (currentTZ string, err error) {
	err = db.QueryRow(`SHOW TIME ZONE;`).Scan(&currentTZ)
	return
}
