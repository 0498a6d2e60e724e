package internal

const (
	// CreateMetaTable creates a table to hold store metadata. This query has a
	// %s specifier for "meta" / metaTableName so it can work with createTable.
	CreateMetaTable = `CREATE TABLE IF NOT EXISTS %s (
		schema_version INT4 DEFAULT 0
	);`

	// CreateMetaRow creates the single row of the meta table.
	CreateMetaRow = "INSERT INTO meta DEFAULT VALUES;"

	SelectDBVersion = `SELECT schema_version FROM meta;`

	SetDBVersion = `UPDATE meta SET schema_version = $1;`

	// CreateStateTable creates the single-row snapshot table.
	CreateStateTable = `CREATE TABLE IF NOT EXISTS %s (
		id INT2 PRIMARY KEY CHECK (id = 0),
		stamp INT8,
		data BYTEA
	);`

	UpsertState = `INSERT INTO state (id, stamp, data) VALUES (0, $1, $2)
		ON CONFLICT (id) DO UPDATE SET stamp = $1, data = $2;`

	SelectState = `SELECT data FROM state WHERE id = 0;`
)
