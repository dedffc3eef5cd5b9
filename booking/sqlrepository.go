package booking

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/outbox"
	"github.com/clinicflow/bookingsaga/sqldb"
)

const appointmentTableName = "appointment"

const appointmentColumns = "id, saga_id, patient_id, doctor_id, slot_id, invoice_id, appointment_date, start_time, end_time, status, reason, amount, correlation_id, created_at"

type sqlRepository struct {
	db     *sql.DB
	driver sqldb.Driver
}

func NewSQLRepository(db *sql.DB, driver sqldb.Driver) (Repository, error) {
	r := &sqlRepository{db: db, driver: driver}
	if err := r.initTables(); err != nil {
		return nil, errors.Wrapf(err, "initializing tables for appointment repository, driver %s", driver)
	}

	return r, nil
}

func (r *sqlRepository) Insert(ctx context.Context, tx outbox.Execer, a *Appointment) error {
	var exec outbox.Execer = r.db
	if tx != nil {
		exec = tx
	}

	_, err := exec.ExecContext(ctx, r.prepQuery(fmt.Sprintf("INSERT INTO %v (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);", appointmentTableName, appointmentColumns)),
		a.ID,
		a.SagaID,
		a.PatientID,
		a.DoctorID,
		a.SlotID,
		a.InvoiceID,
		a.AppointmentDate,
		a.StartTime,
		a.EndTime,
		a.Status,
		a.Reason,
		a.Amount,
		a.CorrelationID,
		a.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "inserting appointment %s", a.ID)
	}

	return nil
}

func (r *sqlRepository) Get(ctx context.Context, id string) (*Appointment, error) {
	row := r.db.QueryRowContext(ctx, r.prepQuery(fmt.Sprintf("SELECT %s FROM %v WHERE id=?;", appointmentColumns, appointmentTableName)), id)

	a, err := scanAppointment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(ErrAppointmentNotFound, "appointment %s", id)
		}

		return nil, errors.Wrapf(err, "querying appointment %s", id)
	}

	return a, nil
}

func (r *sqlRepository) ListByPatient(ctx context.Context, patientID string) ([]*Appointment, error) {
	rows, err := r.db.QueryContext(ctx, r.prepQuery(fmt.Sprintf("SELECT %s FROM %v WHERE patient_id=? ORDER BY appointment_date, start_time;", appointmentColumns, appointmentTableName)), patientID)
	if err != nil {
		return nil, errors.Wrapf(err, "querying appointments of patient %s", patientID)
	}

	defer rows.Close()

	res := make([]*Appointment, 0)

	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning appointment")
		}

		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	return res, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAppointment(row scanner) (*Appointment, error) {
	var (
		a             Appointment
		invoiceID     sql.NullString
		reason        sql.NullString
		correlationID sql.NullString
	)

	if err := row.Scan(
		&a.ID,
		&a.SagaID,
		&a.PatientID,
		&a.DoctorID,
		&a.SlotID,
		&invoiceID,
		&a.AppointmentDate,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&reason,
		&a.Amount,
		&correlationID,
		&a.CreatedAt,
	); err != nil {
		return nil, err
	}

	a.InvoiceID = invoiceID.String
	a.Reason = reason.String
	a.CorrelationID = correlationID.String

	return &a, nil
}

func (r *sqlRepository) initTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	timestamp := "timestamp(6)"
	if r.driver == sqldb.PGDriver {
		timestamp = "timestamp"
	}

	return sqldb.NewUnitOfWork(r.db).Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`create table if not exists %v
		(
			id varchar(255) not null primary key,
			saga_id varchar(255) not null unique,
			patient_id varchar(255) not null,
			doctor_id varchar(255) not null,
			slot_id varchar(255) not null,
			invoice_id varchar(255) null,
			appointment_date varchar(10) not null,
			start_time varchar(5) not null,
			end_time varchar(5) not null,
			status varchar(32) not null,
			reason text null,
			amount decimal(10,2) not null default 0,
			correlation_id varchar(255) null,
			created_at %v not null
		);`, appointmentTableName, timestamp))

		return errors.WithStack(err)
	})
}

// prepQuery replaces wildcard params to specific driver. Standard wildcard is '?'
func (r *sqlRepository) prepQuery(query string) string {
	return sqldb.Rebind(r.driver, query)
}
