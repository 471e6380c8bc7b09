// Package attendance records check-in events, at most one per member,
// session, and calendar day.
package attendance

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
	"dojotrack/internal/token"
)

var (
	// ErrNotFound is returned when the member or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrGroupMismatch is returned when the token's group differs from the
	// member's actual group.
	ErrGroupMismatch = errors.New("token group does not match member group")
	// ErrWrongGroup is returned when the session belongs to a different
	// group than the token.
	ErrWrongGroup = errors.New("session belongs to a different group")
	// ErrAlreadyCheckedIn is returned on a duplicate check-in for the day.
	ErrAlreadyCheckedIn = errors.New("member already checked in for this session today")
)

// Recorder validates and persists check-ins. The per-pair lock makes the
// duplicate-day check and the insert one atomic step, so two concurrent
// scans of the same token cannot both create a record.
type Recorder struct {
	repo  storage.Repository
	locks *locker.Keyed
	now   func() time.Time
}

// NewRecorder creates a recorder backed by a repository.
func NewRecorder(repo storage.Repository) *Recorder {
	return &Recorder{repo: repo, locks: locker.NewKeyed(), now: time.Now}
}

func pairKey(memberID, sessionID int64) string {
	return "checkin:" + strconv.FormatInt(memberID, 10) + ":" + strconv.FormatInt(sessionID, 10)
}

// CheckInByToken records attendance from a scanned identity token. The
// member is resolved by the stored token text, so a token that was reissued
// or never minted resolves to nobody. recordedBy is the scanning user when
// known, nil for kiosk scans.
func (r *Recorder) CheckInByToken(ctx context.Context, tok string, sessionID int64, recordedBy *int64) (model.CheckIn, error) {
	groupID, _, err := token.Decode(tok)
	if err != nil {
		return model.CheckIn{}, err
	}

	member, err := r.repo.GetMemberByToken(ctx, tok)
	if err != nil {
		return model.CheckIn{}, notFoundOr(err, "member")
	}
	session, err := r.repo.GetSession(ctx, sessionID)
	if err != nil {
		return model.CheckIn{}, notFoundOr(err, "session")
	}
	if member.GroupID != groupID {
		return model.CheckIn{}, ErrGroupMismatch
	}
	if session.GroupID != groupID {
		return model.CheckIn{}, ErrWrongGroup
	}

	return r.record(ctx, model.CheckIn{
		MemberID:   member.ID,
		SessionID:  sessionID,
		GroupID:    groupID,
		Method:     model.MethodToken,
		RecordedBy: recordedBy,
	})
}

// CheckInManual records attendance entered by an operator. The group checks
// are skipped; the operator's input is trusted.
func (r *Recorder) CheckInManual(ctx context.Context, memberID, sessionID int64, actor model.Actor, note string) (model.CheckIn, error) {
	if err := authz.Authorize(actor, authz.ActionCheckIn, nil); err != nil {
		return model.CheckIn{}, err
	}
	member, err := r.repo.GetMember(ctx, memberID)
	if err != nil {
		return model.CheckIn{}, notFoundOr(err, "member")
	}
	if _, err := r.repo.GetSession(ctx, sessionID); err != nil {
		return model.CheckIn{}, notFoundOr(err, "session")
	}

	recordedBy := actor.ID
	return r.record(ctx, model.CheckIn{
		MemberID:   memberID,
		SessionID:  sessionID,
		GroupID:    member.GroupID,
		Method:     model.MethodManual,
		Note:       note,
		RecordedBy: &recordedBy,
	})
}

func (r *Recorder) record(ctx context.Context, c model.CheckIn) (model.CheckIn, error) {
	key := pairKey(c.MemberID, c.SessionID)
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	now := r.now().UTC()
	dayStart := now.Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	exists, err := r.repo.CheckInOnDay(ctx, c.MemberID, c.SessionID, dayStart, dayEnd)
	if err != nil {
		return model.CheckIn{}, err
	}
	if exists {
		return model.CheckIn{}, ErrAlreadyCheckedIn
	}

	c.Timestamp = now
	return r.repo.CreateCheckIn(ctx, c)
}

// List returns check-in records scoped to what the actor may see. Operators
// query freely; guardians and self-managed members are restricted to their
// own members regardless of the requested filter.
func (r *Recorder) List(ctx context.Context, f storage.CheckInFilter, actor model.Actor) ([]model.CheckIn, error) {
	if actor.Role == model.RoleOperator {
		return r.repo.ListCheckIns(ctx, f)
	}

	var members []model.Member
	var err error
	switch actor.Role {
	case model.RoleGuardian:
		members, err = r.repo.ListMembersByGuardian(ctx, actor.ID)
	case model.RoleMember:
		members, err = r.repo.ListMembersByOwner(ctx, actor.ID)
	default:
		return nil, authz.ErrForbidden
	}
	if err != nil {
		return nil, err
	}

	if f.MemberID != 0 {
		for _, m := range members {
			if m.ID == f.MemberID {
				return r.repo.ListCheckIns(ctx, f)
			}
		}
		return nil, fmt.Errorf("%w: member not visible to actor", authz.ErrForbidden)
	}

	var out []model.CheckIn
	for _, m := range members {
		mf := f
		mf.MemberID = m.ID
		recs, err := r.repo.ListCheckIns(ctx, mf)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// MemberAttendance lists one member's attendance history newest first.
func (r *Recorder) MemberAttendance(ctx context.Context, memberID int64, actor model.Actor) ([]model.CheckIn, error) {
	member, err := r.repo.GetMember(ctx, memberID)
	if err != nil {
		return nil, notFoundOr(err, "member")
	}
	if actor.Role != model.RoleOperator {
		if err := authz.Authorize(actor, authz.ActionRead, member); err != nil {
			return nil, err
		}
	}
	return r.repo.ListCheckIns(ctx, storage.CheckInFilter{MemberID: memberID})
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
