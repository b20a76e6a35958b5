package appointment

import (
	"errors"
	"time"

	"github.com/clinicbook/booking/internal/platform/db"
)

// Status codes stored in appointment.status. Approved and Active both hold
// the slot.
const (
	StatusApproved  = 1
	StatusActive    = 2
	StatusCancelled = 3
	StatusRequested = 4
)

const dateLayout = "2006-01-02"

// activeSlotConstraint is the partial unique index over active slots.
const activeSlotConstraint = "appointment_active_slot_key"

// User-facing messages.
const (
	MsgClinicNotFound      = "Clinic not found"
	MsgClinicNotConfigured = "Clinic has no database configured"
	MsgClinicOpenFailed    = "Failed to open clinic database"
	MsgSlotTaken           = "This time slot is already booked"
	MsgBookFailed          = "Failed to book appointment"
	MsgBooked              = "Appointment booked successfully"
	MsgNotFound            = "Appointment not found"
	MsgListFailed          = "Failed to fetch appointments"
	MsgFetchFailed         = "Failed to fetch appointment"
	MsgUpdateFailed        = "Failed to update appointment"
	MsgUpdated             = "Appointment status updated"
	MsgDeleteFailed        = "Failed to delete appointment"
	MsgDeleted             = "Appointment deleted"
	MsgInvalidDate         = "Invalid appointment_date, expected YYYY-MM-DD"
)

// ErrSlotTaken is returned inside a booking transaction when an active
// appointment already holds the slot.
var ErrSlotTaken = errors.New("slot already booked")

// ValidStatus reports whether n is a known status code.
func ValidStatus(n int) bool {
	return n >= StatusApproved && n <= StatusRequested
}

// IsActive reports whether status holds its slot.
func IsActive(status int) bool {
	return status == StatusApproved || status == StatusActive
}

// BookingRequest is the body of a booking call. Pointer fields distinguish
// absent values from zero values.
type BookingRequest struct {
	DoctorID        *int64  `json:"doctor_id"`
	PatientID       *int64  `json:"patient_id"`
	AppointmentDate *string `json:"appointment_date"`
	Schedule        *string `json:"schedule"`
	Remarks         *string `json:"remarks"`
	Status          *int    `json:"status"`
}

// Slot is the unit of booking capacity.
type Slot struct {
	DoctorID        int64
	AppointmentDate string
	Schedule        string
}

// StatusUpdate changes an appointment's status, and its schedule when approving.
type StatusUpdate struct {
	Status   *int    `json:"status"`
	Schedule *string `json:"schedule"`
}

// ListFilter narrows an appointment listing. Dates are YYYY-MM-DD and inclusive.
type ListFilter struct {
	Status    *int
	DoctorID  *int64
	PatientID *int64
	DateFrom  string
	DateTo    string
}

// Row is an appointment as stored, keyed by column name. Tenant schemas may
// differ, so rows are not mapped onto a struct.
type Row = map[string]interface{}

// Result is the envelope every appointment operation answers with. Anticipated
// failures are reported with Success false rather than as errors.
type Result struct {
	Success       bool        `json:"success"`
	Message       string      `json:"message,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	Count         *int        `json:"count,omitempty"`
	AppointmentID string      `json:"appointment_id,omitempty"`
	InsertID      int64       `json:"insert_id,omitempty"`
	AffectedRows  *int64      `json:"affected_rows,omitempty"`
	ErrorCode     string      `json:"error_code,omitempty"`
	SQLMessage    string      `json:"sql_message,omitempty"`
}

func failure(message string) *Result {
	return &Result{Success: false, Message: message}
}

// storageFailure carries the driver's diagnostic fields back to the caller.
func storageFailure(message string, err error) *Result {
	code, sqlMessage := db.ErrorFields(err)
	return &Result{Success: false, Message: message, ErrorCode: code, SQLMessage: sqlMessage}
}

func validDate(s string) bool {
	if len(s) != len(dateLayout) {
		return false
	}
	_, err := time.Parse(dateLayout, s)
	return err == nil
}
