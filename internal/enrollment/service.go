// Package enrollment books members into sessions and keeps each session's
// enrolled counter equal to its number of active bookings.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"dojotrack/internal/authz"
	"dojotrack/internal/locker"
	"dojotrack/internal/model"
	"dojotrack/internal/storage"
)

var (
	// ErrNotFound is returned when the member or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyBooked is returned when an active booking for the pair exists.
	ErrAlreadyBooked = errors.New("member already booked for this session")
	// ErrNotBooked is returned by Unbook when no active booking exists.
	ErrNotBooked = errors.New("member not booked for this session")
	// ErrSessionFull is returned when the session is at capacity.
	ErrSessionFull = errors.New("session is at maximum capacity")
)

// Service coordinates bookings. The per-session lock makes the capacity
// check and the booking insert one atomic step with respect to concurrent
// calls for the same session.
type Service struct {
	repo  storage.Repository
	locks *locker.Keyed
	now   func() time.Time
}

// NewService creates an enrollment service backed by a repository.
func NewService(repo storage.Repository) *Service {
	return &Service{repo: repo, locks: locker.NewKeyed(), now: time.Now}
}

func sessionKey(sessionID int64) string {
	return "session:" + strconv.FormatInt(sessionID, 10)
}

// Book reserves a seat for the member in the session on behalf of the actor.
func (s *Service) Book(ctx context.Context, memberID, sessionID int64, actor model.Actor) (model.Booking, error) {
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return model.Booking{}, notFoundOr(err, "member")
	}
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return model.Booking{}, notFoundOr(err, "session")
	}
	if err := authz.Authorize(actor, authz.ActionBook, member); err != nil {
		return model.Booking{}, err
	}

	s.locks.Lock(sessionKey(sessionID))
	defer s.locks.Unlock(sessionKey(sessionID))

	if _, err := s.repo.ActiveBooking(ctx, memberID, sessionID); err == nil {
		return model.Booking{}, ErrAlreadyBooked
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.Booking{}, err
	}

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return model.Booking{}, notFoundOr(err, "session")
	}
	if session.Enrolled >= session.Capacity {
		return model.Booking{}, ErrSessionFull
	}

	booking, err := s.repo.CreateBooking(ctx, model.Booking{
		MemberID:  memberID,
		SessionID: sessionID,
		BookedBy:  actor.ID,
		BookedAt:  s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrCapacity) {
			return model.Booking{}, ErrSessionFull
		}
		if errors.Is(err, storage.ErrNotFound) {
			return model.Booking{}, fmt.Errorf("session: %w", ErrNotFound)
		}
		return model.Booking{}, err
	}
	return booking, nil
}

// Unbook retires the member's active booking for the session and releases
// the seat.
func (s *Service) Unbook(ctx context.Context, memberID, sessionID int64, actor model.Actor) error {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return notFoundOr(err, "session")
	}
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return notFoundOr(err, "member")
	}
	if err := authz.Authorize(actor, authz.ActionUnbook, member); err != nil {
		return err
	}

	s.locks.Lock(sessionKey(sessionID))
	defer s.locks.Unlock(sessionKey(sessionID))

	booking, err := s.repo.ActiveBooking(ctx, memberID, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotBooked
		}
		return err
	}
	return s.repo.RetireBooking(ctx, booking.ID, sessionID)
}

// MemberBookings lists a member's bookings after an ownership check.
func (s *Service) MemberBookings(ctx context.Context, memberID int64, actor model.Actor, activeOnly bool) ([]model.Booking, error) {
	member, err := s.repo.GetMember(ctx, memberID)
	if err != nil {
		return nil, notFoundOr(err, "member")
	}
	if err := authz.Authorize(actor, authz.ActionRead, member); err != nil {
		return nil, err
	}
	return s.repo.ListBookings(ctx, storage.BookingFilter{MemberID: memberID, ActiveOnly: activeOnly})
}

// BookingsFor lists bookings scoped to what the actor may see: operators see
// everything, guardians their members', members their own.
func (s *Service) BookingsFor(ctx context.Context, actor model.Actor) ([]model.Booking, error) {
	switch actor.Role {
	case model.RoleOperator:
		return s.repo.ListBookings(ctx, storage.BookingFilter{})
	case model.RoleGuardian:
		members, err := s.repo.ListMembersByGuardian(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		var out []model.Booking
		for _, m := range members {
			bs, err := s.repo.ListBookings(ctx, storage.BookingFilter{MemberID: m.ID})
			if err != nil {
				return nil, err
			}
			out = append(out, bs...)
		}
		return out, nil
	case model.RoleMember:
		members, err := s.repo.ListMembersByOwner(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		var out []model.Booking
		for _, m := range members {
			bs, err := s.repo.ListBookings(ctx, storage.BookingFilter{MemberID: m.ID})
			if err != nil {
				return nil, err
			}
			out = append(out, bs...)
		}
		return out, nil
	}
	return nil, authz.ErrForbidden
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
