package storage

import "github.com/jmoiron/sqlx"

// InitStore opens the ledger database. maxOpenConns <= 0 keeps the driver
// default.
func InitStore(dbConnStr string, maxOpenConns int) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	if db, ok := store.db.(*sqlx.DB); ok && maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	return store, nil
}
