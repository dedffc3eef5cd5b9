// Package sqldb holds the bits shared by the SQL backed stores: driver selection, placeholder
// rewriting and a transaction helper.
package sqldb

import (
	"context"
	"database/sql"
	"strconv"

	// registers "mysql"
	_ "github.com/go-sql-driver/mysql"
	// registers "pgx"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
)

const (
	MYSQLDriver Driver = "mysql"
	PGDriver    Driver = "pg"
)

type Driver string

func ParseDriver(name string) (Driver, error) {
	switch name {
	case "mysql":
		return MYSQLDriver, nil
	case "pg", "postgres", "postgresql", "pgx":
		return PGDriver, nil
	}

	return "", errors.Errorf("unsupported sql driver %s", name)
}

// driverName is the name database/sql knows the driver by.
func (d Driver) driverName() string {
	if d == PGDriver {
		return "pgx"
	}

	return "mysql"
}

// Open opens and pings the database.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver.driverName(), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s connection", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Wrapf(err, "pinging %s. also failed to close: %s", driver, closeErr)
		}

		return nil, errors.Wrapf(err, "pinging %s", driver)
	}

	return db, nil
}

// Rebind replaces '?' placeholders with $n for postgres, queries are written with '?'.
func Rebind(driver Driver, query string) string {
	if driver != PGDriver {
		return query
	}

	res := make([]byte, 0, len(query)+8)
	counter := 1

	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			res = append(append(res, '$'), []byte(strconv.Itoa(counter))...)
			counter++

			continue
		}

		res = append(res, query[i])
	}

	return string(res)
}

// UnitOfWork runs a function inside one transaction.
type UnitOfWork struct {
	db *sql.DB
}

func NewUnitOfWork(db *sql.DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

// Do commits when fn returns nil and rolls back otherwise.
func (u *UnitOfWork) Do(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning a transaction")
	}

	if err := fn(tx); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(err, "rollback failed with %s", rErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing a transaction")
	}

	return nil
}
