package appointment

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/clinicbook/booking/internal/platform/db"
)

type repoPG struct{}

// NewRepo returns a Repository that runs on the tenant connection or
// transaction carried by the context.
func NewRepo() Repository {
	return &repoPG{}
}

func (r *repoPG) conn(ctx context.Context) (db.Querier, error) {
	return db.Scoped(ctx)
}

func (r *repoPG) Columns(ctx context.Context) ([]string, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'appointment'
		ORDER BY ordinal_position`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// LockSlot serializes bookings of one slot until the transaction ends.
func (r *repoPG) LockSlot(ctx context.Context, key string) error {
	q, err := r.conn(ctx)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func (r *repoPG) SlotTaken(ctx context.Context, slot Slot) (bool, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	var taken bool
	err = q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointment
			WHERE doctor_id = $1 AND appointment_date = $2 AND schedule = $3
			  AND status IN (1, 2)
		)`, slot.DoctorID, slot.AppointmentDate, slot.Schedule).Scan(&taken)
	return taken, err
}

func (r *repoPG) Insert(ctx context.Context, columns []string, values []interface{}) (int64, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	sql := insertSQL(columns)
	var id int64
	if err := q.QueryRow(ctx, sql, values...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (Row, error) {
	return r.one(ctx, `SELECT * FROM appointment WHERE id = $1`, id)
}

func (r *repoPG) FindByRef(ctx context.Context, ref string) (Row, error) {
	pred, arg := refPredicate(ref)
	return r.one(ctx, `SELECT * FROM appointment WHERE `+pred, arg)
}

func (r *repoPG) List(ctx context.Context, f ListFilter, joined bool, recency string) ([]Row, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	sql, args := listSQL(f, joined, recency)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func (r *repoPG) UpdateStatus(ctx context.Context, ref string, status int, schedule *string, touchUpdatedAt bool) (int64, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	sql, args := updateStatusSQL(ref, status, schedule, touchUpdatedAt)
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) Delete(ctx context.Context, ref string) (int64, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	pred, arg := refPredicate(ref)
	tag, err := q.Exec(ctx, `DELETE FROM appointment WHERE `+pred, arg)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) one(ctx context.Context, sql string, arg interface{}) (Row, error) {
	q, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	list, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// collectRows maps rows by column name and renders DATE columns as
// YYYY-MM-DD.
func collectRows(rows pgx.Rows) ([]Row, error) {
	fields := rows.FieldDescriptions()
	var dateCols []string
	for _, fd := range fields {
		if fd.DataTypeOID == pgtype.DateOID {
			dateCols = append(dateCols, fd.Name)
		}
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Row, error) {
		m, err := pgx.RowToMap(row)
		if err != nil {
			return nil, err
		}
		for _, c := range dateCols {
			if t, ok := m[c].(time.Time); ok {
				m[c] = t.Format(dateLayout)
			}
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Row{}
	}
	return out, nil
}

// refPredicate matches a numeric reference against the internal id and
// anything else against appointment_id.
func refPredicate(ref string) (string, interface{}) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return "id = $1", id
	}
	return "appointment_id = $1", ref
}

func insertSQL(columns []string) string {
	if len(columns) == 0 {
		return `INSERT INTO appointment DEFAULT VALUES RETURNING id`
	}
	quoted := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		params[i] = "$" + strconv.Itoa(i+1)
	}
	return fmt.Sprintf(`INSERT INTO appointment (%s) VALUES (%s) RETURNING id`,
		strings.Join(quoted, ", "), strings.Join(params, ", "))
}

func listSQL(f ListFilter, joined bool, recency string) (string, []interface{}) {
	var (
		b      strings.Builder
		prefix string
		conds  []string
		args   []interface{}
	)
	if joined {
		prefix = "a."
		b.WriteString(`SELECT a.*, s.name AS doctor_name, p.name AS patient_name
		FROM appointment a
		LEFT JOIN staff s ON s.id = a.doctor_id
		LEFT JOIN patient p ON p.id = a.patient_id`)
	} else {
		b.WriteString(`SELECT * FROM appointment`)
	}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf("%s%s $%d", prefix, cond, len(args)))
	}
	if f.Status != nil {
		add("status =", *f.Status)
	}
	if f.DoctorID != nil {
		add("doctor_id =", *f.DoctorID)
	}
	if f.PatientID != nil {
		add("patient_id =", *f.PatientID)
	}
	if f.DateFrom != "" {
		add("appointment_date >=", f.DateFrom)
	}
	if f.DateTo != "" {
		add("appointment_date <=", f.DateTo)
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %sappointment_date DESC, %s%s DESC", prefix, prefix, recency)
	return b.String(), args
}

func updateStatusSQL(ref string, status int, schedule *string, touchUpdatedAt bool) (string, []interface{}) {
	sets := []string{"status = $1"}
	args := []interface{}{status}
	if schedule != nil {
		args = append(args, *schedule)
		sets = append(sets, fmt.Sprintf("schedule = $%d", len(args)))
	}
	if touchUpdatedAt {
		sets = append(sets, "updated_at = NOW()")
	}
	pred, arg := refPredicate(ref)
	args = append(args, arg)
	pred = strings.Replace(pred, "$1", "$"+strconv.Itoa(len(args)), 1)
	return `UPDATE appointment SET ` + strings.Join(sets, ", ") + ` WHERE ` + pred, args
}
