package mutex

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/log"
	"github.com/clinicflow/bookingsaga/sqldb"
)

type dialect struct {
	lockQuery   string
	unlockQuery string
}

var dialects = map[sqldb.Driver]dialect{
	sqldb.MYSQLDriver: {
		lockQuery:   "SELECT GET_LOCK(?, 0);",
		unlockQuery: "SELECT RELEASE_LOCK(?);",
	},
	sqldb.PGDriver: {
		lockQuery:   "SELECT pg_try_advisory_lock(hashtext($1));",
		unlockQuery: "SELECT pg_advisory_unlock(hashtext($1));",
	},
}

type sqlMutex struct {
	db      *sql.DB
	dialect dialect
	logger  log.Logger
}

// NewSqlMutex uses GET_LOCK for mysql and session level advisory locks for postgres. Both are bound
// to the connection, so every lock pins one connection from the pool until it's released.
func NewSqlMutex(db *sql.DB, driver sqldb.Driver, logger log.Logger) Mutex {
	d, ok := dialects[driver]
	if !ok {
		d = dialects[sqldb.MYSQLDriver]
	}

	return &sqlMutex{db: db, dialect: d, logger: logger}
}

func (m *sqlMutex) TryLock(ctx context.Context, key string) (Lock, bool, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, false, WithMutexErr(errors.Wrapf(err, "obtaining a connection from pool for lock %s", key))
	}

	// mysql answers 1/0/NULL, postgres true/false
	acquired, err := m.query(ctx, conn, m.dialect.lockQuery, key)
	if err != nil {
		return nil, false, WithMutexErr(errors.Wrapf(err, "acquiring lock %s%s", key, closeConn(conn)))
	}

	if !acquired {
		if closingErr := conn.Close(); closingErr != nil {
			m.logger.Logf(log.WarnLevel, "closing connection after lock %s was refused: %s", key, closingErr)
		}

		return nil, false, nil
	}

	return &sqlLock{mutex: m, conn: conn, key: key}, true, nil
}

func (m *sqlMutex) query(ctx context.Context, conn *sql.Conn, query, key string) (bool, error) {
	r := sql.NullString{}
	if err := conn.QueryRowContext(ctx, query, key).Scan(&r); err != nil {
		return false, err
	}

	if !r.Valid {
		return false, errors.New("got NULL")
	}

	switch r.String {
	case "1", "t", "true":
		return true, nil
	case "0", "f", "false":
		return false, nil
	}

	return false, errors.Errorf("got unexpected status %s", r.String)
}

type sqlLock struct {
	mutex *sqlMutex
	conn  *sql.Conn
	key   string
}

func (l *sqlLock) Release(ctx context.Context) error {
	released, err := l.mutex.query(ctx, l.conn, l.mutex.dialect.unlockQuery, l.key)
	if err != nil {
		return WithMutexErr(errors.Wrapf(err, "releasing lock %s%s", l.key, closeConn(l.conn)))
	}

	if !released {
		return WithMutexErr(errors.Errorf("lock %s was not held by this connection%s", l.key, closeConn(l.conn)))
	}

	if err := l.conn.Close(); err != nil {
		return WithMutexErr(errors.Wrapf(err, "closing connection of lock %s", l.key))
	}

	return nil
}

func closeConn(conn *sql.Conn) string {
	if err := conn.Close(); err != nil {
		return ". also failed to close connection: " + err.Error()
	}

	return ""
}
