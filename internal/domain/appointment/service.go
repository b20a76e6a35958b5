package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicbook/booking/internal/domain/tenant"
	"github.com/clinicbook/booking/internal/platform/db"
	"github.com/clinicbook/booking/internal/platform/events"
)

const publishTimeout = 3 * time.Second

var tracer = otel.Tracer("github.com/clinicbook/booking/internal/domain/appointment")

// TenantResolver maps a clinic id to its directory row.
type TenantResolver interface {
	Resolve(ctx context.Context, tenantID string) (*tenant.Tenant, error)
}

type Service struct {
	tenants TenantResolver
	router  *db.Router
	repo    Repository
	schemas *SchemaCache
	ids     *IDGenerator
	events  events.Publisher
	now     func() time.Time
	logger  zerolog.Logger
}

func NewService(tenants TenantResolver, router *db.Router, repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		tenants: tenants,
		router:  router,
		repo:    repo,
		schemas: NewSchemaCache(),
		ids:     NewIDGenerator(),
		events:  events.Nop{},
		now:     time.Now,
		logger:  logger,
	}
}

// SetPublisher attaches the broker that receives appointment events.
func (s *Service) SetPublisher(p events.Publisher) {
	s.events = p
}

// Book creates an appointment in the clinic's schema. Anticipated failures
// come back as a Result with Success false; the error is reserved for
// failures of the tenant directory itself.
func (s *Service) Book(ctx context.Context, tenantID string, req BookingRequest) (*Result, error) {
	ctx, span := tracer.Start(ctx, "appointment.Book", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	res, t, err := s.run(ctx, tenantID, func(ctx context.Context, schema string) *Result {
		return s.book(ctx, schema, req)
	})
	endSpan(span, res, err)
	if err != nil {
		return nil, err
	}
	if res.Success {
		s.publish(ctx, events.AppointmentBooked, t.ID, map[string]interface{}{
			"appointment_id":   res.AppointmentID,
			"insert_id":        res.InsertID,
			"doctor_id":        *req.DoctorID,
			"patient_id":       *req.PatientID,
			"appointment_date": *req.AppointmentDate,
			"schedule":         *req.Schedule,
		})
	}
	return res, nil
}

func (s *Service) book(ctx context.Context, schema string, req BookingRequest) *Result {
	if msg := validateBooking(req); msg != "" {
		return failure(msg)
	}

	caps, err := s.schemas.Get(ctx, schema, s.repo.Columns)
	if err != nil {
		return storageFailure(MsgBookFailed, err)
	}

	slot := Slot{DoctorID: *req.DoctorID, AppointmentDate: *req.AppointmentDate, Schedule: *req.Schedule}
	status := StatusRequested
	if req.Status != nil {
		status = *req.Status
	}
	now := s.now()
	appointmentID := s.ids.Next()
	values := map[string]interface{}{
		"appointment_id":   appointmentID,
		"doctor_id":        slot.DoctorID,
		"patient_id":       *req.PatientID,
		"appointment_date": slot.AppointmentDate,
		"schedule":         slot.Schedule,
		"status":           status,
		"created_at":       now,
		"updated_at":       now,
	}
	if req.Remarks != nil {
		values["remarks"] = *req.Remarks
	}
	cols, vals := caps.Insertable(values)

	var insertID int64
	err = db.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockSlot(ctx, slotKey(schema, slot)); err != nil {
			return fmt.Errorf("lock slot: %w", err)
		}
		taken, err := s.repo.SlotTaken(ctx, slot)
		if err != nil {
			return fmt.Errorf("check slot: %w", err)
		}
		if taken {
			return ErrSlotTaken
		}
		insertID, err = s.repo.Insert(ctx, cols, vals)
		return err
	})
	switch {
	case errors.Is(err, ErrSlotTaken), db.IsConstraintViolation(err, activeSlotConstraint):
		return failure(MsgSlotTaken)
	case err != nil:
		if db.IsUndefinedObject(err) {
			s.schemas.Invalidate(schema)
		}
		s.logger.Warn().Err(err).Str("schema", schema).Msg("appointment insert failed")
		return storageFailure(MsgBookFailed, err)
	}

	res := &Result{Success: true, Message: MsgBooked, AppointmentID: appointmentID, InsertID: insertID}
	row, err := s.repo.GetByID(ctx, insertID)
	if err != nil {
		s.logger.Warn().Err(err).Str("schema", schema).Int64("insert_id", insertID).Msg("re-fetch of booked appointment failed")
		return res
	}
	res.Data = row
	return res
}

// List returns the clinic's appointments, newest date first.
func (s *Service) List(ctx context.Context, tenantID string, f ListFilter) (*Result, error) {
	ctx, span := tracer.Start(ctx, "appointment.List", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	res, _, err := s.run(ctx, tenantID, func(ctx context.Context, schema string) *Result {
		return s.list(ctx, schema, f)
	})
	endSpan(span, res, err)
	return res, err
}

func (s *Service) list(ctx context.Context, schema string, f ListFilter) *Result {
	if f.DateFrom != "" && !validDate(f.DateFrom) {
		return failure("Invalid date_from, expected YYYY-MM-DD")
	}
	if f.DateTo != "" && !validDate(f.DateTo) {
		return failure("Invalid date_to, expected YYYY-MM-DD")
	}

	recency := "created_at"
	if caps, err := s.schemas.Get(ctx, schema, s.repo.Columns); err == nil {
		recency = caps.recencyColumn()
	}

	rows, err := s.repo.List(ctx, f, true, recency)
	if err != nil {
		s.logger.Debug().Err(err).Str("schema", schema).Msg("joined appointment listing failed, retrying without joins")
		if db.IsUndefinedObject(err) {
			s.schemas.Invalidate(schema)
		}
		rows, err = s.repo.List(ctx, f, false, recency)
	}
	if err != nil {
		return storageFailure(MsgListFailed, err)
	}
	n := len(rows)
	return &Result{Success: true, Data: rows, Count: &n}
}

// Get returns one appointment by appointment_id or internal id.
func (s *Service) Get(ctx context.Context, tenantID, ref string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "appointment.Get", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	res, _, err := s.run(ctx, tenantID, func(ctx context.Context, schema string) *Result {
		row, err := s.repo.FindByRef(ctx, ref)
		switch {
		case errors.Is(err, ErrNotFound):
			return failure(MsgNotFound)
		case err != nil:
			return storageFailure(MsgFetchFailed, err)
		}
		return &Result{Success: true, Data: row}
	})
	endSpan(span, res, err)
	return res, err
}

// UpdateStatus sets an appointment's status. Approving with a non-empty
// schedule moves it to that schedule in the same statement.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, ref string, upd StatusUpdate) (*Result, error) {
	ctx, span := tracer.Start(ctx, "appointment.UpdateStatus", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	var schedule *string
	res, t, err := s.run(ctx, tenantID, func(ctx context.Context, schema string) *Result {
		if upd.Status == nil {
			return failure("Missing required field: status")
		}
		status := *upd.Status
		if !ValidStatus(status) {
			return failure(fmt.Sprintf("Invalid status: %d", status))
		}
		if status == StatusApproved && upd.Schedule != nil && strings.TrimSpace(*upd.Schedule) != "" {
			schedule = upd.Schedule
		}

		touch := false
		if caps, err := s.schemas.Get(ctx, schema, s.repo.Columns); err == nil {
			touch = caps.Has("updated_at")
		}

		n, err := s.repo.UpdateStatus(ctx, ref, status, schedule, touch)
		switch {
		case db.IsConstraintViolation(err, activeSlotConstraint):
			return failure(MsgSlotTaken)
		case err != nil:
			if db.IsUndefinedObject(err) {
				s.schemas.Invalidate(schema)
			}
			return storageFailure(MsgUpdateFailed, err)
		case n == 0:
			return &Result{Success: false, Message: MsgNotFound, AffectedRows: &n}
		}
		return &Result{Success: true, Message: MsgUpdated, AffectedRows: &n}
	})
	endSpan(span, res, err)
	if err != nil {
		return nil, err
	}
	if res.Success {
		data := map[string]interface{}{"ref": ref, "status": *upd.Status}
		if schedule != nil {
			data["schedule"] = *schedule
		}
		s.publish(ctx, events.AppointmentStatusChanged, t.ID, data)
	}
	return res, nil
}

// Delete removes an appointment.
func (s *Service) Delete(ctx context.Context, tenantID, ref string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "appointment.Delete", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	res, t, err := s.run(ctx, tenantID, func(ctx context.Context, schema string) *Result {
		n, err := s.repo.Delete(ctx, ref)
		switch {
		case err != nil:
			return storageFailure(MsgDeleteFailed, err)
		case n == 0:
			return &Result{Success: false, Message: MsgNotFound, AffectedRows: &n}
		}
		return &Result{Success: true, Message: MsgDeleted, AffectedRows: &n}
	})
	endSpan(span, res, err)
	if err != nil {
		return nil, err
	}
	if res.Success {
		s.publish(ctx, events.AppointmentDeleted, t.ID, map[string]interface{}{"ref": ref})
	}
	return res, nil
}

// run resolves the clinic and runs fn on a connection of its own switched to
// the clinic's schema. Resolution and switch-in failures become failure
// Results; only a failing directory lookup is returned as an error.
func (s *Service) run(ctx context.Context, tenantID string, fn func(ctx context.Context, schema string) *Result) (*Result, *tenant.Tenant, error) {
	t, err := s.tenants.Resolve(ctx, tenantID)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		return failure(MsgClinicNotFound), nil, nil
	case errors.Is(err, tenant.ErrNotConfigured):
		return failure(MsgClinicNotConfigured), nil, nil
	case err != nil:
		return nil, nil, fmt.Errorf("resolve tenant %s: %w", tenantID, err)
	}

	schema := t.Schema()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("tenant.schema", schema))

	var res *Result
	err = s.router.WithTenant(ctx, schema, func(ctx context.Context) error {
		res = fn(ctx, schema)
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID).Str("schema", schema).Msg("open clinic database failed")
		return storageFailure(MsgClinicOpenFailed, err), t, nil
	}
	return res, t, nil
}

func (s *Service) publish(ctx context.Context, eventType string, tenantID int64, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, events.New(eventType, tenantID, data)); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Int64("tenant_id", tenantID).Msg("event publish failed")
	}
}

func validateBooking(req BookingRequest) string {
	switch {
	case req.DoctorID == nil || *req.DoctorID == 0:
		return missingField("doctor_id")
	case req.PatientID == nil || *req.PatientID == 0:
		return missingField("patient_id")
	case req.AppointmentDate == nil || strings.TrimSpace(*req.AppointmentDate) == "":
		return missingField("appointment_date")
	case req.Schedule == nil || strings.TrimSpace(*req.Schedule) == "":
		return missingField("schedule")
	}
	if !validDate(*req.AppointmentDate) {
		return MsgInvalidDate
	}
	if req.Status != nil && !ValidStatus(*req.Status) {
		return fmt.Sprintf("Invalid status: %d", *req.Status)
	}
	return ""
}

func missingField(name string) string {
	return "Missing required field: " + name
}

func slotKey(schema string, slot Slot) string {
	return fmt.Sprintf("%s:%d:%s:%s", schema, slot.DoctorID, slot.AppointmentDate, slot.Schedule)
}

func endSpan(span trace.Span, res *Result, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.Bool("result.success", res.Success))
	if !res.Success {
		span.SetAttributes(attribute.String("result.message", res.Message))
	}
}
