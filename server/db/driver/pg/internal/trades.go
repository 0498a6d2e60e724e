package internal

const (
	// CreateTradesTable creates the archive of finalized trades. Quantities are
	// unsigned 128-bit integers.
	CreateTradesTable = `CREATE TABLE IF NOT EXISTS %s (
		trade_id INT8 PRIMARY KEY,
		matchee_position_id INT8,
		matcher_position_id INT8,
		matchee_kind INT2,
		tokens NUMERIC(39),
		cycles NUMERIC(39),
		rate NUMERIC(39),
		stamp INT8,
		record BYTEA
	);`

	CreateTradesPositionIndex = `CREATE INDEX IF NOT EXISTS %s ON %s (matchee_position_id, matcher_position_id);`

	InsertTrade = `INSERT INTO trades (trade_id, matchee_position_id, matcher_position_id,
			matchee_kind, tokens, cycles, rate, stamp, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (trade_id) DO NOTHING;`

	SelectTradeRecord = `SELECT record FROM trades WHERE trade_id = $1;`
)
