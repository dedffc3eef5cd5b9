package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/clock"
	"github.com/clinicflow/bookingsaga/log"
	"github.com/clinicflow/bookingsaga/outbox"
	"github.com/clinicflow/bookingsaga/sqldb"
)

const outboxTableName = "outbox_event"

const eventColumns = "event_id, event_type, topic, aggregate_id, correlation_id, payload, status, retry_count, last_error, created_at, published_at"

type Option func(s *Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// Store keeps outbox events in mysql or postgres.
type Store struct {
	db     *sql.DB
	driver sqldb.Driver
	clock  clock.Clock
	logger log.Logger
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates the outbox table if it doesn't exist.
func NewStore(db *sql.DB, driver sqldb.Driver, logger log.Logger, opts ...Option) (*Store, error) {
	s := &Store{db: db, driver: driver, clock: clock.Real(), logger: logger}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.initTables(); err != nil {
		return nil, errors.Wrapf(err, "initializing tables for outbox store, driver %s", driver)
	}

	return s, nil
}

func (s *Store) CreateEvent(ctx context.Context, tx outbox.Execer, payload outbox.Payload, topic, correlationID string) (*outbox.Event, error) {
	ev, err := outbox.NewEvent(payload, topic, correlationID, s.clock.Now())
	if err != nil {
		return nil, errors.WithStack(err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshaling payload of %s", ev.EventType)
	}

	var exec outbox.Execer = s.db
	if tx != nil {
		exec = tx
	}

	_, err = exec.ExecContext(ctx, s.prepQuery(fmt.Sprintf("INSERT INTO %v (event_id, event_type, topic, aggregate_id, correlation_id, payload, status, retry_count, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);", outboxTableName)),
		ev.EventID,
		ev.EventType,
		ev.Topic,
		ev.AggregateID,
		ev.CorrelationID,
		string(data),
		string(ev.Status),
		ev.RetryCount,
		ev.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "inserting outbox event %s of type %s", ev.EventID, ev.EventType)
	}

	return ev, nil
}

// GetPendingEvents returns the oldest pending events. Rows whose payload can't be decoded are moved
// to failed right away, they would never publish.
func (s *Store) GetPendingEvents(ctx context.Context, limit int) ([]*outbox.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.prepQuery(fmt.Sprintf("SELECT %s FROM %v WHERE status=? ORDER BY created_at ASC LIMIT ?;", eventColumns, outboxTableName)),
		string(outbox.StatusPending),
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying pending outbox events")
	}

	defer rows.Close()

	var (
		events []*outbox.Event
		broken = make(map[string]string)
	)

	for rows.Next() {
		model := eventSqlModel{}
		if err := model.scan(rows); err != nil {
			return nil, errors.Wrap(err, "scanning outbox event")
		}

		ev, err := model.toEvent()
		if err != nil {
			broken[model.EventID] = err.Error()
			continue
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	for eventID, reason := range broken {
		s.logger.Logf(log.ErrorLevel, "outbox event %s can't be decoded, marking failed: %s", eventID, reason)

		if _, err := s.db.ExecContext(ctx, s.prepQuery(fmt.Sprintf("UPDATE %v SET status=?, last_error=? WHERE event_id=? AND status=?;", outboxTableName)),
			string(outbox.StatusFailed),
			reason,
			eventID,
			string(outbox.StatusPending),
		); err != nil {
			return nil, errors.Wrapf(err, "marking undecodable event %s failed", eventID)
		}
	}

	return events, nil
}

func (s *Store) MarkPublished(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx, s.prepQuery(fmt.Sprintf("UPDATE %v SET status=?, published_at=?, last_error=NULL WHERE event_id=? AND status=?;", outboxTableName)),
		string(outbox.StatusPublished),
		s.clock.Now(),
		eventID,
		string(outbox.StatusPending),
	)
	if err != nil {
		return errors.Wrapf(err, "marking event %s published", eventID)
	}

	return checkAffected(res, eventID)
}

// MarkFailed increments retry_count and flips the status once maxRetries is reached. The status is assigned
// first because mysql evaluates SET assignments left to right while postgres uses the old row.
func (s *Store) MarkFailed(ctx context.Context, eventID string, reason string, maxRetries int) error {
	res, err := s.db.ExecContext(ctx, s.prepQuery(fmt.Sprintf("UPDATE %v SET status=CASE WHEN retry_count+1 >= ? THEN ? ELSE status END, retry_count=retry_count+1, last_error=? WHERE event_id=? AND status=?;", outboxTableName)),
		maxRetries,
		string(outbox.StatusFailed),
		reason,
		eventID,
		string(outbox.StatusPending),
	)
	if err != nil {
		return errors.Wrapf(err, "marking event %s failed", eventID)
	}

	return checkAffected(res, eventID)
}

func (s *Store) RequeueFailed(ctx context.Context, limit int) (int, error) {
	rows, err := s.db.QueryContext(ctx, s.prepQuery(fmt.Sprintf("SELECT event_id FROM %v WHERE status=? ORDER BY created_at ASC LIMIT ?;", outboxTableName)),
		string(outbox.StatusFailed),
		limit,
	)
	if err != nil {
		return 0, errors.Wrap(err, "querying failed outbox events")
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scanning failed event id")
		}
		ids = append(ids, id)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return 0, errors.WithStack(err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	var moved int

	err = sqldb.NewUnitOfWork(s.db).Do(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, s.prepQuery(fmt.Sprintf("UPDATE %v SET status=?, retry_count=0 WHERE event_id=? AND status=?;", outboxTableName)),
				string(outbox.StatusPending),
				id,
				string(outbox.StatusFailed),
			)
			if err != nil {
				return errors.Wrapf(err, "requeueing event %s", id)
			}

			affected, err := res.RowsAffected()
			if err != nil {
				return errors.WithStack(err)
			}

			moved += int(affected)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return moved, nil
}

func (s *Store) Get(ctx context.Context, eventID string) (*outbox.Event, error) {
	model := eventSqlModel{}
	row := s.db.QueryRowContext(ctx, s.prepQuery(fmt.Sprintf("SELECT %s FROM %v WHERE event_id=?;", eventColumns, outboxTableName)), eventID)

	if err := model.scan(row); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(outbox.ErrEventNotFound, "event %s", eventID)
		}

		return nil, errors.Wrapf(err, "querying event %s", eventID)
	}

	return model.toEvent()
}

func checkAffected(res sql.Result, eventID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "getting affected rows for event %s", eventID)
	}

	if affected == 0 {
		return errors.Wrapf(outbox.ErrNotPending, "event %s", eventID)
	}

	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

type eventSqlModel struct {
	EventID       string
	EventType     string
	Topic         string
	AggregateID   sql.NullString
	CorrelationID sql.NullString
	Payload       []byte
	Status        string
	RetryCount    int
	LastError     sql.NullString
	CreatedAt     time.Time
	PublishedAt   sql.NullTime
}

func (m *eventSqlModel) scan(row scanner) error {
	return row.Scan(
		&m.EventID,
		&m.EventType,
		&m.Topic,
		&m.AggregateID,
		&m.CorrelationID,
		&m.Payload,
		&m.Status,
		&m.RetryCount,
		&m.LastError,
		&m.CreatedAt,
		&m.PublishedAt,
	)
}

func (m eventSqlModel) toEvent() (*outbox.Event, error) {
	payload, err := outbox.DecodePayload(m.EventType, m.Payload)
	if err != nil {
		return nil, errors.Wrapf(err, "restoring payload of event %s", m.EventID)
	}

	ev := &outbox.Event{
		EventID:       m.EventID,
		EventType:     m.EventType,
		Topic:         m.Topic,
		AggregateID:   m.AggregateID.String,
		CorrelationID: m.CorrelationID.String,
		Payload:       payload,
		Status:        outbox.Status(m.Status),
		RetryCount:    m.RetryCount,
		LastError:     m.LastError.String,
		CreatedAt:     m.CreatedAt,
	}

	if m.PublishedAt.Valid {
		publishedAt := m.PublishedAt.Time
		ev.PublishedAt = &publishedAt
	}

	return ev, nil
}

func (s *Store) initTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	return sqldb.NewUnitOfWork(s.db).Do(ctx, func(tx *sql.Tx) error {
		if s.driver == sqldb.PGDriver {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`create table if not exists %v
			(
				event_id varchar(255) not null primary key,
				event_type varchar(255) not null,
				topic varchar(255) not null,
				aggregate_id varchar(255) null,
				correlation_id varchar(255) null,
				payload text not null,
				status varchar(32) not null,
				retry_count int not null default 0,
				last_error text null,
				created_at timestamp not null,
				published_at timestamp null
			);`, outboxTableName)); err != nil {
				return errors.WithStack(err)
			}

			_, err := tx.ExecContext(ctx, fmt.Sprintf(`create index if not exists %[1]v_status_created_at_idx on %[1]v (status, created_at);`, outboxTableName))

			return errors.WithStack(err)
		}

		_, err := tx.ExecContext(ctx, fmt.Sprintf(`create table if not exists %[1]v
		(
			event_id varchar(255) not null primary key,
			event_type varchar(255) not null,
			topic varchar(255) not null,
			aggregate_id varchar(255) null,
			correlation_id varchar(255) null,
			payload text not null,
			status varchar(32) not null,
			retry_count int not null default 0,
			last_error text null,
			created_at timestamp(6) not null,
			published_at timestamp(6) null,
			index %[1]v_status_created_at_idx (status, created_at)
		);`, outboxTableName))

		return errors.WithStack(err)
	})
}

// prepQuery replaces wildcard params to specific driver. Standard wildcard is '?'
func (s *Store) prepQuery(query string) string {
	return sqldb.Rebind(s.driver, query)
}
