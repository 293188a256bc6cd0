package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/medrex/referral-sync/pkg/types"
)

// MaxPayloadBytes is the largest record payload accepted into the sync queue or by the server
const MaxPayloadBytes = 256 << 10

// Validator checks domain records before they are stored or synchronized
type Validator struct {
	validate *validator.Validate
}

// New creates a new record validator
func New() *Validator {
	return &Validator{validate: validator.New()}
}

// Record sanitizes free text on rec and validates its struct tags
func (v *Validator) Record(rec types.Record) error {
	Sanitize(rec)
	return v.Struct(rec)
}

// Struct validates the struct tags of s and converts failures into a validation AppError
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewInternalError(types.ErrCodeValidationFailed, "failed to validate record", err)
	}

	details := make(map[string]interface{}, len(fieldErrs))
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = fe.Tag()
		fields = append(fields, fe.Field())
	}

	return types.NewValidationError(
		types.ErrCodeValidationFailed,
		fmt.Sprintf("invalid fields: %s", strings.Join(fields, ", ")),
		details,
	)
}

// Payload decodes a wire payload into the record type named by entity and validates it
func (v *Validator) Payload(entity types.EntityType, payload json.RawMessage) (types.Record, error) {
	if err := CheckPayloadSize(payload); err != nil {
		return nil, err
	}

	rec, err := NewRecord(entity)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "payload is not valid JSON for "+string(entity), nil)
	}
	if err := v.Record(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// NewRecord returns an empty record of the given entity type
func NewRecord(entity types.EntityType) (types.Record, error) {
	switch entity {
	case types.EntityPatient:
		return &types.Patient{}, nil
	case types.EntitySpecialist:
		return &types.Specialist{}, nil
	case types.EntityReferral:
		return &types.Referral{}, nil
	case types.EntityAppointment:
		return &types.Appointment{}, nil
	case types.EntityPayment:
		return &types.Payment{}, nil
	case types.EntityCartItem:
		return &types.CartItem{}, nil
	}
	return nil, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown entity type %q", entity), nil)
}

// CheckPayloadSize rejects payloads larger than MaxPayloadBytes
func CheckPayloadSize(payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return types.NewValidationError(
			types.ErrCodePayloadTooLarge,
			fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(payload), MaxPayloadBytes),
			map[string]interface{}{"size": len(payload)},
		)
	}
	return nil
}

// CheckReferralTransition returns a validation error when a referral may not move from one status to the other
func CheckReferralTransition(from, to types.ReferralStatus) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return types.NewValidationError(
		types.ErrCodeInvalidTransition,
		fmt.Sprintf("referral cannot move from %s to %s", from, to),
		map[string]interface{}{"from": string(from), "to": string(to)},
	)
}

// CleanText trims s and removes control characters other than newline and tab
func CleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// Sanitize cleans the free text fields of rec in place
func Sanitize(rec types.Record) {
	switch r := rec.(type) {
	case *types.Patient:
		r.MRN = CleanText(r.MRN)
		r.FirstName = CleanText(r.FirstName)
		r.LastName = CleanText(r.LastName)
		r.Phone = CleanText(r.Phone)
		r.Email = strings.ToLower(CleanText(r.Email))
		r.Notes = CleanText(r.Notes)
	case *types.Specialist:
		r.Name = CleanText(r.Name)
		r.Specialty = CleanText(r.Specialty)
		r.Facility = CleanText(r.Facility)
		r.Phone = CleanText(r.Phone)
		r.Email = strings.ToLower(CleanText(r.Email))
	case *types.Referral:
		r.ReferringDoctor = CleanText(r.ReferringDoctor)
		r.Reason = CleanText(r.Reason)
		r.Notes = CleanText(r.Notes)
	case *types.Appointment:
		r.Location = CleanText(r.Location)
	case *types.Payment:
		r.Currency = strings.ToUpper(CleanText(r.Currency))
		r.Reference = CleanText(r.Reference)
	case *types.CartItem:
		r.ServiceCode = CleanText(r.ServiceCode)
		r.Description = CleanText(r.Description)
	}
}
