// Package storage defines the repository contract the services write
// through, plus the Postgres and in-memory implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"dojotrack/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrCapacity is returned by CreateBooking when the session's conditional
// counter increment finds the session already full.
var ErrCapacity = errors.New("session at capacity")

// CheckInFilter narrows ListCheckIns. Zero values mean "no constraint".
type CheckInFilter struct {
	MemberID  int64
	SessionID int64
	GroupID   int64
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// BookingFilter narrows ListBookings.
type BookingFilter struct {
	MemberID   int64
	SessionID  int64
	ActiveOnly bool
}

// Repository is the persistence boundary. Implementations must make
// CreateBooking (insert + counter increment with capacity guard) and
// RetireBooking (retire + floored decrement) atomic write pairs.
type Repository interface {
	// Users
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	UpdateUser(ctx context.Context, u model.User) error

	// Groups
	GetGroup(ctx context.Context, id int64) (*model.Group, error)
	ListGroups(ctx context.Context) ([]model.Group, error)

	// Members
	GetMember(ctx context.Context, id int64) (*model.Member, error)
	GetMemberByToken(ctx context.Context, tok string) (*model.Member, error)
	ListMembers(ctx context.Context) ([]model.Member, error)
	ListMembersByGuardian(ctx context.Context, guardianID int64) ([]model.Member, error)
	ListMembersByOwner(ctx context.Context, ownerUserID int64) ([]model.Member, error)
	CreateMember(ctx context.Context, m model.Member) (model.Member, error)
	UpdateMember(ctx context.Context, m model.Member) error

	// Sessions
	GetSession(ctx context.Context, id int64) (*model.Session, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
	CreateSession(ctx context.Context, s model.Session) (model.Session, error)
	UpdateSession(ctx context.Context, s model.Session) error

	// Bookings
	ActiveBooking(ctx context.Context, memberID, sessionID int64) (*model.Booking, error)
	ListBookings(ctx context.Context, f BookingFilter) ([]model.Booking, error)
	CreateBooking(ctx context.Context, b model.Booking) (model.Booking, error)
	RetireBooking(ctx context.Context, bookingID, sessionID int64) error

	// Check-ins
	CheckInOnDay(ctx context.Context, memberID, sessionID int64, dayStart, dayEnd time.Time) (bool, error)
	CreateCheckIn(ctx context.Context, c model.CheckIn) (model.CheckIn, error)
	ListCheckIns(ctx context.Context, f CheckInFilter) ([]model.CheckIn, error)
}
