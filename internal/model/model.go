package model

import "time"

// Role classifies what an actor is allowed to do.
type Role string

const (
	RoleOperator Role = "operator"
	RoleGuardian Role = "guardian"
	RoleMember   Role = "member"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOperator, RoleGuardian, RoleMember:
		return true
	}
	return false
}

// Actor is the identity a request acts as. It is resolved once at the
// transport boundary and passed explicitly into every service call.
type Actor struct {
	ID   int64
	Role Role
}

// User is a login account (operator, guardian, or self-managed member).
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// Group is a location members and sessions belong to.
type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is a student record. GuardianID is set when a guardian account
// manages the member; OwnerUserID when the member has their own login.
type Member struct {
	ID            int64     `json:"id"`
	GuardianID    *int64    `json:"guardian_id,omitempty"`
	OwnerUserID   *int64    `json:"owner_user_id,omitempty"`
	GroupID       int64     `json:"group_id"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Level         string    `json:"level"`
	IdentityToken string    `json:"identity_token"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Session is a scheduled class with a fixed capacity. Enrolled mirrors the
// number of active bookings referencing the session and never exceeds Capacity.
type Session struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	OperatorID int64     `json:"operator_id"`
	GroupID    int64     `json:"group_id"`
	Weekday    string    `json:"weekday"`
	StartTime  string    `json:"start_time"`
	EndTime    string    `json:"end_time"`
	Capacity   int       `json:"capacity"`
	Enrolled   int       `json:"enrolled"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Booking reserves one member's seat in one session. Cancelled bookings are
// retired (Active=false) rather than deleted so the history stays auditable.
type Booking struct {
	ID        int64     `json:"id"`
	MemberID  int64     `json:"member_id"`
	SessionID int64     `json:"session_id"`
	BookedBy  int64     `json:"booked_by"`
	Active    bool      `json:"active"`
	BookedAt  time.Time `json:"booked_at"`
}

// CheckInMethod records how an attendance event was captured.
type CheckInMethod string

const (
	MethodToken  CheckInMethod = "token"
	MethodManual CheckInMethod = "manual"
)

// CheckIn is an append-only attendance record. At most one exists per
// (member, session, calendar day).
type CheckIn struct {
	ID         int64         `json:"id"`
	MemberID   int64         `json:"member_id"`
	SessionID  int64         `json:"session_id"`
	GroupID    int64         `json:"group_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Method     CheckInMethod `json:"method"`
	Note       string        `json:"note,omitempty"`
	RecordedBy *int64        `json:"recorded_by,omitempty"`
}
