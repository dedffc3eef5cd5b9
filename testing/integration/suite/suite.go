//go:build integration

// Package suite starts the databases the integration tests run against. A MYSQL_CONNECTION or
// PG_CONNECTION environment variable points the suite at an existing server instead of a container.
package suite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	driverSql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/clinicflow/bookingsaga/sqldb"
)

const (
	dbName     = "booking"
	dbUser     = "booking"
	dbPassword = "booking"
)

var tables = []string{"saga_step", "saga_execution", "appointment", "outbox_event"}

// DBSuite holds the connection shared by the tests of one driver.
type DBSuite struct {
	suite.Suite
	driver    sqldb.Driver
	dbConn    *sql.DB
	terminate func(ctx context.Context) error
}

func (s *DBSuite) Connection() *sql.DB {
	return s.dbConn
}

func (s *DBSuite) Driver() sqldb.Driver {
	return s.driver
}

func (s *DBSuite) open(connectionStr string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	var err error
	s.dbConn, err = sqldb.Open(ctx, s.driver, connectionStr)
	require.NoError(s.T(), err)
}

// TearDownSuite drops everything the stores created and stops the container.
func (s *DBSuite) TearDownSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	for _, table := range tables {
		_, err := s.dbConn.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s;", table))
		require.NoError(s.T(), err)
	}

	require.NoError(s.T(), s.dbConn.Close())

	if s.terminate != nil {
		s.Require().NoError(s.terminate(ctx))
	}
}

type MysqlSuite struct {
	DBSuite
}

func (s *MysqlSuite) SetupSuite() {
	s.driver = sqldb.MYSQLDriver
	require.NoError(s.T(), driverSql.SetLogger(nopLogger{}))

	if v := os.Getenv("MYSQL_CONNECTION"); v != "" {
		s.open(v)
		return
	}

	ctx := context.Background()
	container, err := mysql.Run(ctx,
		"mysql:8.0",
		mysql.WithDatabase(dbName),
		mysql.WithUsername(dbUser),
		mysql.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("/usr/sbin/mysqld: ready for connections").
				WithOccurrence(1).
				WithStartupTimeout(60*time.Second)),
	)
	s.Require().NoError(err)
	s.terminate = func(ctx context.Context) error { return container.Terminate(ctx) }

	connectionStr, err := container.ConnectionString(ctx, "parseTime=true")
	s.Require().NoError(err)

	s.open(connectionStr)
}

type PgSuite struct {
	DBSuite
}

func (s *PgSuite) SetupSuite() {
	s.driver = sqldb.PGDriver

	if v := os.Getenv("PG_CONNECTION"); v != "" {
		s.open(v)
		return
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	s.Require().NoError(err)
	s.terminate = func(ctx context.Context) error { return container.Terminate(ctx) }

	connectionStr, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.open(connectionStr)
}

type nopLogger struct{}

func (l nopLogger) Print(v ...interface{}) {}
