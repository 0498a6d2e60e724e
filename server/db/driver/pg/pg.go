// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package pg is a PostgreSQL db.StateStore that also archives finalized
// trades.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/db"
	"decred.org/cyclesmarket/server/db/driver/pg/internal"
)

const (
	defaultQueryTimeout = 20 * time.Minute
)

// Driver registers the store with the db package.
type Driver struct{}

// Open creates the Archiver. cfg must be a *Config or Config.
func (d *Driver) Open(ctx context.Context, cfg interface{}) (db.StateStore, error) {
	switch c := cfg.(type) {
	case *Config:
		return NewArchiver(ctx, c)
	case Config:
		return NewArchiver(ctx, &c)
	default:
		return nil, fmt.Errorf("invalid config type %T", cfg)
	}
}

// UseLogger sets the package logger.
func (d *Driver) UseLogger(logger dex.Logger) {
	log = logger
}

func init() {
	db.Register("pg", &Driver{})
}

// Config holds the Archiver's configuration.
type Config struct {
	Host, Port, User, Pass, DBName string
	QueryTimeout                   time.Duration
}

// Archiver is the PostgreSQL store.
type Archiver struct {
	queryTimeout time.Duration
	db           *sql.DB
	dbName       string
}

var (
	_ db.StateStore    = (*Archiver)(nil)
	_ db.TradeArchiver = (*Archiver)(nil)
)

// NewArchiver constructs a new Archiver. Use Close when done with the Archiver.
func NewArchiver(ctx context.Context, cfg *Config) (*Archiver, error) {
	// Connect to the PostgreSQL daemon and return the *sql.DB.
	pgdb, err := connect(cfg.Host, cfg.Port, cfg.User, cfg.Pass, cfg.DBName)
	if err != nil {
		return nil, err
	}

	// Put the PostgreSQL time zone in UTC.
	initTZ, err := checkCurrentTimeZone(pgdb)
	if err != nil {
		return nil, err
	}
	if initTZ != "UTC" {
		log.Infof("Switching PostgreSQL time zone to UTC for this session.")
		if _, err = pgdb.Exec(`SET TIME ZONE UTC`); err != nil {
			return nil, fmt.Errorf("failed to set time zone to UTC: %w", err)
		}
	}

	// Display the postgres version.
	pgVersion, err := retrievePGVersion(pgdb)
	if err != nil {
		return nil, err
	}
	log.Info(pgVersion)

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}

	if err = PrepareTables(pgdb); err != nil {
		return nil, err
	}
	ver, err := DBVersion(pgdb)
	if err != nil {
		return nil, err
	}
	if ver != dbVersion {
		return nil, db.ArchiveError{Code: db.ErrBadStateVersion, Detail: fmt.Sprintf("schema version %d", ver)}
	}

	return &Archiver{
		db:           pgdb,
		dbName:       cfg.DBName,
		queryTimeout: queryTimeout,
	}, nil
}

// Close closes the underlying DB connection.
func (a *Archiver) Close() error {
	return a.db.Close()
}

// SaveState replaces the stored snapshot.
func (a *Archiver) SaveState(ctx context.Context, state []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()
	_, err := a.db.ExecContext(ctx, internal.UpsertState, time.Now().UnixMilli(), state)
	return err
}

// LoadState retrieves the stored snapshot.
func (a *Archiver) LoadState(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()
	var state []byte
	err := a.db.QueryRowContext(ctx, internal.SelectState).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ArchiveError{Code: db.ErrNoState}
	}
	return state, err
}

// ArchiveTrades inserts finalized trades. Trades already archived are left
// alone.
func (a *Archiver) ArchiveTrades(ctx context.Context, trades []*order.TradeLog) error {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, internal.InsertTrade)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, t := range trades {
		_, err = stmt.ExecContext(ctx, int64(t.ID), int64(t.MatcheePositionID), int64(t.MatcherPositionID),
			int16(t.MatcheeKind), t.Tokens.String(), t.Cycles.String(), t.Rate.String(),
			int64(t.Timestamp), t.Serialize())
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("error archiving trade %d: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// Trade loads an archived trade.
func (a *Archiver) Trade(ctx context.Context, id uint64) (*order.TradeLog, error) {
	ctx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()
	var rec []byte
	err := a.db.QueryRowContext(ctx, internal.SelectTradeRecord, int64(id)).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ArchiveError{Code: db.ErrUnknownTrade, Detail: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, err
	}
	return order.DecodeTradeLog(rec)
}
