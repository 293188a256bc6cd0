package types

import "time"

// EntityType names the record collections that take part in synchronization
type EntityType string

const (
	EntityPatient     EntityType = "patient"
	EntitySpecialist  EntityType = "specialist"
	EntityReferral    EntityType = "referral"
	EntityAppointment EntityType = "appointment"
	EntityPayment     EntityType = "payment"
	EntityCartItem    EntityType = "cart_item"
)

// AllEntityTypes lists every syncable entity type
var AllEntityTypes = []EntityType{
	EntityPatient,
	EntitySpecialist,
	EntityReferral,
	EntityAppointment,
	EntityPayment,
	EntityCartItem,
}

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	for _, known := range AllEntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Record is implemented by every syncable domain record
type Record interface {
	EntityType() EntityType
	EntityID() string
	LastModified() time.Time
}

// Patient represents a patient known to the referring clinic
type Patient struct {
	ID          string    `json:"id" db:"id" validate:"required,uuid"`
	MRN         string    `json:"mrn" db:"mrn" validate:"required,max=50"`
	FirstName   string    `json:"first_name" db:"first_name" validate:"required,max=100"`
	LastName    string    `json:"last_name" db:"last_name" validate:"required,max=100"`
	DateOfBirth string    `json:"date_of_birth" db:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
	Gender      string    `json:"gender" db:"gender" validate:"omitempty,oneof=male female other unknown"`
	Phone       string    `json:"phone" db:"phone" validate:"omitempty,max=30"`
	Email       string    `json:"email" db:"email" validate:"omitempty,email"`
	Notes       string    `json:"notes,omitempty" db:"notes"`
	Version     int64     `json:"version" db:"version"`
	Deleted     bool      `json:"deleted" db:"deleted"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

func (p *Patient) EntityType() EntityType { return EntityPatient }
func (p *Patient) EntityID() string { return p.ID }
func (p *Patient) LastModified() time.Time { return p.UpdatedAt }

// FullName returns the display name of the patient
func (p *Patient) FullName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Specialist represents a specialist a referral can be addressed to
type Specialist struct {
	ID        string    `json:"id" db:"id" validate:"required,uuid"`
	Name      string    `json:"name" db:"name" validate:"required,max=150"`
	Specialty string    `json:"specialty" db:"specialty" validate:"required,max=100"`
	Facility  string    `json:"facility" db:"facility" validate:"max=200"`
	Phone     string    `json:"phone" db:"phone" validate:"omitempty,max=30"`
	Email     string    `json:"email" db:"email" validate:"omitempty,email"`
	Available bool      `json:"available" db:"available"`
	Version   int64     `json:"version" db:"version"`
	Deleted   bool      `json:"deleted" db:"deleted"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (s *Specialist) EntityType() EntityType { return EntitySpecialist }
func (s *Specialist) EntityID() string { return s.ID }
func (s *Specialist) LastModified() time.Time { return s.UpdatedAt }

// ReferralStatus represents the lifecycle state of a referral
type ReferralStatus string

const (
	ReferralDraft     ReferralStatus = "draft"
	ReferralSent      ReferralStatus = "sent"
	ReferralAccepted  ReferralStatus = "accepted"
	ReferralScheduled ReferralStatus = "scheduled"
	ReferralCompleted ReferralStatus = "completed"
	ReferralRejected  ReferralStatus = "rejected"
	ReferralCancelled ReferralStatus = "cancelled"
)

// referralTransitions lists the allowed next states for each referral state
var referralTransitions = map[ReferralStatus][]ReferralStatus{
	ReferralDraft:     {ReferralSent, ReferralCancelled},
	ReferralSent:      {ReferralAccepted, ReferralRejected, ReferralCancelled},
	ReferralAccepted:  {ReferralScheduled, ReferralCancelled},
	ReferralScheduled: {ReferralCompleted, ReferralCancelled},
}

// Terminal reports whether no further transition is possible from s
func (s ReferralStatus) Terminal() bool {
	_, ok := referralTransitions[s]
	return !ok
}

// CanTransitionTo reports whether a referral in state s may move to next
func (s ReferralStatus) CanTransitionTo(next ReferralStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range referralTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ReferralUrgency represents how quickly a referral must be seen
type ReferralUrgency string

const (
	UrgencyRoutine   ReferralUrgency = "routine"
	UrgencyUrgent    ReferralUrgency = "urgent"
	UrgencyEmergency ReferralUrgency = "emergency"
)

// Referral represents a referral of a patient to a specialist
type Referral struct {
	ID              string          `json:"id" db:"id" validate:"required,uuid"`
	PatientID       string          `json:"patient_id" db:"patient_id" validate:"required,uuid"`
	SpecialistID    string          `json:"specialist_id" db:"specialist_id" validate:"required,uuid"`
	ReferringDoctor string          `json:"referring_doctor" db:"referring_doctor" validate:"required,max=150"`
	Reason          string          `json:"reason" db:"reason" validate:"required,max=2000"`
	Urgency         ReferralUrgency `json:"urgency" db:"urgency" validate:"required,oneof=routine urgent emergency"`
	Status          ReferralStatus  `json:"status" db:"status" validate:"required,oneof=draft sent accepted scheduled completed rejected cancelled"`
	Notes           string          `json:"notes,omitempty" db:"notes" validate:"max=4000"`
	Version         int64           `json:"version" db:"version"`
	Deleted         bool            `json:"deleted" db:"deleted"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

func (r *Referral) EntityType() EntityType { return EntityReferral }
func (r *Referral) EntityID() string { return r.ID }
func (r *Referral) LastModified() time.Time { return r.UpdatedAt }

// AppointmentStatus represents the state of a specialist appointment
type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

// Appointment represents a specialist appointment booked for a referral
type Appointment struct {
	ID           string            `json:"id" db:"id" validate:"required,uuid"`
	ReferralID   string            `json:"referral_id" db:"referral_id" validate:"required,uuid"`
	PatientID    string            `json:"patient_id" db:"patient_id" validate:"required,uuid"`
	SpecialistID string            `json:"specialist_id" db:"specialist_id" validate:"required,uuid"`
	StartTime    time.Time         `json:"start_time" db:"start_time" validate:"required"`
	EndTime      time.Time         `json:"end_time" db:"end_time" validate:"required,gtfield=StartTime"`
	Status       AppointmentStatus `json:"status" db:"status" validate:"required,oneof=scheduled confirmed completed cancelled no_show"`
	Location     string            `json:"location" db:"location" validate:"max=200"`
	Version      int64             `json:"version" db:"version"`
	Deleted      bool              `json:"deleted" db:"deleted"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

func (a *Appointment) EntityType() EntityType { return EntityAppointment }
func (a *Appointment) EntityID() string { return a.ID }
func (a *Appointment) LastModified() time.Time { return a.UpdatedAt }

// PaymentMethod represents how a payment was made
type PaymentMethod string

const (
	PaymentMpesa     PaymentMethod = "mpesa"
	PaymentCard      PaymentMethod = "card"
	PaymentCash      PaymentMethod = "cash"
	PaymentInsurance PaymentMethod = "insurance"
)

// PaymentStatus represents the state of a payment record
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment records a payment taken for a referral. Amount is in minor units.
type Payment struct {
	ID         string        `json:"id" db:"id" validate:"required,uuid"`
	ReferralID string        `json:"referral_id" db:"referral_id" validate:"omitempty,uuid"`
	PatientID  string        `json:"patient_id" db:"patient_id" validate:"required,uuid"`
	Amount     int64         `json:"amount" db:"amount" validate:"gt=0"`
	Currency   string        `json:"currency" db:"currency" validate:"required,len=3"`
	Method     PaymentMethod `json:"method" db:"method" validate:"required,oneof=mpesa card cash insurance"`
	Status     PaymentStatus `json:"status" db:"status" validate:"required,oneof=pending completed failed refunded"`
	Reference  string        `json:"reference" db:"reference" validate:"max=100"`
	Version    int64         `json:"version" db:"version"`
	Deleted    bool          `json:"deleted" db:"deleted"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" db:"updated_at"`
}

func (p *Payment) EntityType() EntityType { return EntityPayment }
func (p *Payment) EntityID() string { return p.ID }
func (p *Payment) LastModified() time.Time { return p.UpdatedAt }

// CartItem is a billable service queued for checkout for a patient
type CartItem struct {
	ID          string    `json:"id" db:"id" validate:"required,uuid"`
	PatientID   string    `json:"patient_id" db:"patient_id" validate:"required,uuid"`
	ServiceCode string    `json:"service_code" db:"service_code" validate:"required,max=50"`
	Description string    `json:"description" db:"description" validate:"max=500"`
	UnitPrice   int64     `json:"unit_price" db:"unit_price" validate:"gte=0"`
	Quantity    int       `json:"quantity" db:"quantity" validate:"gte=1,lte=100"`
	Version     int64     `json:"version" db:"version"`
	Deleted     bool      `json:"deleted" db:"deleted"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

func (c *CartItem) EntityType() EntityType { return EntityCartItem }
func (c *CartItem) EntityID() string { return c.ID }
func (c *CartItem) LastModified() time.Time { return c.UpdatedAt }

// Subtotal returns unit price times quantity
func (c *CartItem) Subtotal() int64 {
	return c.UnitPrice * int64(c.Quantity)
}

// ReferralFilters narrows a referral listing
type ReferralFilters struct {
	PatientID    string         `json:"patient_id,omitempty"`
	SpecialistID string         `json:"specialist_id,omitempty"`
	Status       ReferralStatus `json:"status,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	Offset       int            `json:"offset,omitempty"`
}
