package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/sqldb"
)

const (
	executionTableName = "saga_execution"
	stepTableName      = "saga_step"
)

type sqlJournal struct {
	db     *sql.DB
	driver sqldb.Driver
}

// NewSQLJournal creates the journal tables if needed, it supports mysql and postgres.
func NewSQLJournal(db *sql.DB, driver sqldb.Driver) (Journal, error) {
	j := &sqlJournal{db: db, driver: driver}
	if err := j.initTables(); err != nil {
		return nil, errors.Wrapf(err, "initializing tables for saga journal, driver %s", driver)
	}

	return j, nil
}

// Create inserts the execution row. Steps can't exist yet at this point.
func (j *sqlJournal) Create(ctx context.Context, exec *Execution) error {
	input, compensations, err := marshalExecution(exec)
	if err != nil {
		return err
	}

	_, err = j.db.ExecContext(ctx, j.prepQuery(fmt.Sprintf("INSERT INTO %v (saga_id, correlation_id, state, current_step, failed_step, error, input, compensations, compensation_incomplete, created_at, updated_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);", executionTableName)),
		exec.SagaID,
		exec.CorrelationID,
		string(exec.State),
		exec.CurrentStep,
		exec.FailedStep,
		exec.Error,
		input,
		compensations,
		exec.CompensationIncomplete,
		exec.CreatedAt,
		exec.UpdatedAt,
		exec.CompletedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "inserting saga execution %s", exec.SagaID)
	}

	return nil
}

// Update rewrites the execution row and inserts the steps that aren't stored yet.
func (j *sqlJournal) Update(ctx context.Context, exec *Execution) error {
	input, compensations, err := marshalExecution(exec)
	if err != nil {
		return err
	}

	return sqldb.NewUnitOfWork(j.db).Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, j.prepQuery(fmt.Sprintf("UPDATE %v SET state=?, current_step=?, failed_step=?, error=?, input=?, compensations=?, compensation_incomplete=?, updated_at=?, completed_at=? WHERE saga_id=?;", executionTableName)),
			string(exec.State),
			exec.CurrentStep,
			exec.FailedStep,
			exec.Error,
			input,
			compensations,
			exec.CompensationIncomplete,
			exec.UpdatedAt,
			exec.CompletedAt,
			exec.SagaID,
		)
		if err != nil {
			return errors.Wrapf(err, "updating saga execution %s", exec.SagaID)
		}

		stored, err := j.storedSteps(ctx, tx, exec.SagaID)
		if err != nil {
			return err
		}

		if len(stored) >= len(exec.Steps) {
			return nil
		}

		for i, step := range exec.Steps {
			if _, exists := stored[step.Name]; exists {
				continue
			}

			data, err := json.Marshal(step.Data)
			if err != nil {
				return errors.Wrapf(err, "marshaling data of step %s", step.Name)
			}

			_, err = tx.ExecContext(ctx, j.prepQuery(fmt.Sprintf("INSERT INTO %v (saga_id, position, name, data, completed_at) VALUES (?, ?, ?, ?, ?);", stepTableName)),
				exec.SagaID,
				i,
				step.Name,
				string(data),
				step.CompletedAt,
			)
			if err != nil {
				return errors.Wrapf(err, "inserting step %s of saga %s", step.Name, exec.SagaID)
			}
		}

		return nil
	})
}

func (j *sqlJournal) storedSteps(ctx context.Context, tx *sql.Tx, sagaID string) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, j.prepQuery(fmt.Sprintf("SELECT name FROM %v WHERE saga_id=?;", stepTableName)), sagaID)
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s for saga %s", stepTableName, sagaID)
	}

	defer rows.Close()

	names := make(map[string]struct{})

	var name string
	for rows.Next() {
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scanning row")
		}

		names[name] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	return names, nil
}

func (j *sqlJournal) Get(ctx context.Context, sagaID string) (*Execution, error) {
	model := executionSqlModel{}

	err := j.db.QueryRowContext(ctx, j.prepQuery(fmt.Sprintf("SELECT saga_id, correlation_id, state, current_step, failed_step, error, input, compensations, compensation_incomplete, created_at, updated_at, completed_at FROM %v WHERE saga_id=?;", executionTableName)), sagaID).
		Scan(
			&model.SagaID,
			&model.CorrelationID,
			&model.State,
			&model.CurrentStep,
			&model.FailedStep,
			&model.Error,
			&model.Input,
			&model.Compensations,
			&model.CompensationIncomplete,
			&model.CreatedAt,
			&model.UpdatedAt,
			&model.CompletedAt,
		)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(ErrExecutionNotFound, "saga %s", sagaID)
		}

		return nil, errors.Wrapf(err, "querying saga execution %s", sagaID)
	}

	exec, err := model.toExecution()
	if err != nil {
		return nil, err
	}

	rows, err := j.db.QueryContext(ctx, j.prepQuery(fmt.Sprintf("SELECT name, data, completed_at FROM %v WHERE saga_id=? ORDER BY position;", stepTableName)), sagaID)
	if err != nil {
		return nil, errors.Wrapf(err, "querying steps of saga %s", sagaID)
	}

	defer rows.Close()

	for rows.Next() {
		var (
			step StepRecord
			data []byte
		)

		if err := rows.Scan(&step.Name, &data, &step.CompletedAt); err != nil {
			return nil, errors.Wrapf(err, "scanning steps of saga %s", sagaID)
		}

		if err := json.Unmarshal(data, &step.Data); err != nil {
			return nil, errors.Wrapf(err, "unmarshaling data of step %s", step.Name)
		}

		exec.Steps = append(exec.Steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	return exec, nil
}

type executionSqlModel struct {
	SagaID                 string
	CorrelationID          sql.NullString
	State                  string
	CurrentStep            sql.NullString
	FailedStep             sql.NullString
	Error                  sql.NullString
	Input                  []byte
	Compensations          []byte
	CompensationIncomplete bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
	CompletedAt            sql.NullTime
}

func (m executionSqlModel) toExecution() (*Execution, error) {
	exec := &Execution{
		SagaID:                 m.SagaID,
		CorrelationID:          m.CorrelationID.String,
		State:                  State(m.State),
		CurrentStep:            m.CurrentStep.String,
		FailedStep:             m.FailedStep.String,
		Error:                  m.Error.String,
		Steps:                  make([]StepRecord, 0),
		CompensationIncomplete: m.CompensationIncomplete,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}

	if err := json.Unmarshal(m.Input, &exec.Input); err != nil {
		return nil, errors.Wrapf(err, "unmarshaling input of saga %s", m.SagaID)
	}

	if len(m.Compensations) > 0 {
		if err := json.Unmarshal(m.Compensations, &exec.Compensations); err != nil {
			return nil, errors.Wrapf(err, "unmarshaling compensations of saga %s", m.SagaID)
		}
	}

	if m.CompletedAt.Valid {
		completedAt := m.CompletedAt.Time
		exec.CompletedAt = &completedAt
	}

	return exec, nil
}

func marshalExecution(exec *Execution) (string, string, error) {
	input, err := json.Marshal(exec.Input)
	if err != nil {
		return "", "", errors.Wrapf(err, "marshaling input of saga %s", exec.SagaID)
	}

	compensations, err := json.Marshal(exec.Compensations)
	if err != nil {
		return "", "", errors.Wrapf(err, "marshaling compensations of saga %s", exec.SagaID)
	}

	return string(input), string(compensations), nil
}

func (j *sqlJournal) initTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	timestamp := "timestamp(6)"
	if j.driver == sqldb.PGDriver {
		timestamp = "timestamp"
	}

	return sqldb.NewUnitOfWork(j.db).Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`create table if not exists %v
		(
			saga_id varchar(255) not null primary key,
			correlation_id varchar(255) null,
			state varchar(64) not null,
			current_step varchar(64) null,
			failed_step varchar(64) null,
			error text null,
			input text not null,
			compensations text null,
			compensation_incomplete boolean not null default false,
			created_at %[2]v not null,
			updated_at %[2]v not null,
			completed_at %[2]v null
		);`, executionTableName, timestamp))
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`create table if not exists %v
		(
			saga_id varchar(255) not null,
			position int not null,
			name varchar(64) not null,
			data text not null,
			completed_at %[2]v not null,
			primary key (saga_id, name),
			foreign key (saga_id) references %[3]v (saga_id) on delete cascade
		);`, stepTableName, timestamp, executionTableName))

		return errors.WithStack(err)
	})
}

// prepQuery replaces wildcard params to specific driver. Standard wildcard is '?'
func (j *sqlJournal) prepQuery(query string) string {
	return sqldb.Rebind(j.driver, query)
}
