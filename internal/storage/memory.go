package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"dojotrack/internal/model"
	"dojotrack/internal/token"
)

// Memory is a map-backed Repository used in tests and for local development
// without Postgres. All access goes through a single mutex, so the write
// pairs (booking + counter) are atomic by construction.
type Memory struct {
	mu sync.Mutex

	users    map[int64]model.User
	groups   map[int64]model.Group
	members  map[int64]model.Member
	sessions map[int64]model.Session
	bookings map[int64]model.Booking
	checkins map[int64]model.CheckIn

	nextID int64
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[int64]model.User),
		groups:   make(map[int64]model.Group),
		members:  make(map[int64]model.Member),
		sessions: make(map[int64]model.Session),
		bookings: make(map[int64]model.Booking),
		checkins: make(map[int64]model.CheckIn),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// Users

func (m *Memory) GetUser(ctx context.Context, id int64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			u := u
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.id()
	} else if u.ID > m.nextID {
		m.nextID = u.ID
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) ListUsers(ctx context.Context) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateUser(ctx context.Context, u model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	m.users[u.ID] = u
	return nil
}

// Groups

func (m *Memory) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (m *Memory) ListGroups(ctx context.Context) ([]model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateGroup registers a group. Not part of the Repository interface's hot
// path; used by seeding and tests.
func (m *Memory) CreateGroup(ctx context.Context, g model.Group) (model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == 0 {
		g.ID = m.id()
	} else if g.ID > m.nextID {
		m.nextID = g.ID
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	m.groups[g.ID] = g
	return g, nil
}

// Members

func (m *Memory) GetMember(ctx context.Context, id int64) (*model.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &mem, nil
}

func (m *Memory) GetMemberByToken(ctx context.Context, tok string) (*model.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.members {
		if mem.IdentityToken == tok {
			mem := mem
			return &mem, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListMembers(ctx context.Context) ([]model.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListMembersByGuardian(ctx context.Context, guardianID int64) ([]model.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Member
	for _, mem := range m.members {
		if mem.GuardianID != nil && *mem.GuardianID == guardianID {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListMembersByOwner(ctx context.Context, ownerUserID int64) ([]model.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Member
	for _, mem := range m.members {
		if mem.OwnerUserID != nil && *mem.OwnerUserID == ownerUserID {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateMember(ctx context.Context, mem model.Member) (model.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem.ID == 0 {
		mem.ID = m.id()
	} else if mem.ID > m.nextID {
		m.nextID = mem.ID
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	if mem.IdentityToken == "" {
		mem.IdentityToken = token.Encode(mem.GroupID, mem.ID)
	}
	m.members[mem.ID] = mem
	return mem, nil
}

func (m *Memory) UpdateMember(ctx context.Context, mem model.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[mem.ID]; !ok {
		return ErrNotFound
	}
	m.members[mem.ID] = mem
	return nil
}

// Sessions

func (m *Memory) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) ListSessions(ctx context.Context) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateSession(ctx context.Context, s model.Session) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.id()
	} else if s.ID > m.nextID {
		m.nextID = s.ID
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *Memory) UpdateSession(ctx context.Context, s model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = s
	return nil
}

// Bookings

func (m *Memory) ActiveBooking(ctx context.Context, memberID, sessionID int64) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if b.Active && b.MemberID == memberID && b.SessionID == sessionID {
			b := b
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListBookings(ctx context.Context, f BookingFilter) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Booking
	for _, b := range m.bookings {
		if f.MemberID != 0 && b.MemberID != f.MemberID {
			continue
		}
		if f.SessionID != 0 && b.SessionID != f.SessionID {
			continue
		}
		if f.ActiveOnly && !b.Active {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateBooking inserts the booking and increments the session counter in one
// step, refusing with ErrCapacity when the session is already full.
func (m *Memory) CreateBooking(ctx context.Context, b model.Booking) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[b.SessionID]
	if !ok {
		return model.Booking{}, ErrNotFound
	}
	if s.Enrolled >= s.Capacity {
		return model.Booking{}, ErrCapacity
	}
	if b.ID == 0 {
		b.ID = m.id()
	}
	if b.BookedAt.IsZero() {
		b.BookedAt = time.Now().UTC()
	}
	b.Active = true
	m.bookings[b.ID] = b
	s.Enrolled++
	m.sessions[s.ID] = s
	return b, nil
}

// RetireBooking flips the booking inactive and decrements the session
// counter, floored at zero. A booking already retired is left alone so the
// counter can only go down once per booking.
func (m *Memory) RetireBooking(ctx context.Context, bookingID, sessionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return ErrNotFound
	}
	if !b.Active {
		return nil
	}
	b.Active = false
	m.bookings[bookingID] = b
	if s, ok := m.sessions[sessionID]; ok && s.Enrolled > 0 {
		s.Enrolled--
		m.sessions[s.ID] = s
	}
	return nil
}

// Check-ins

func (m *Memory) CheckInOnDay(ctx context.Context, memberID, sessionID int64, dayStart, dayEnd time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.checkins {
		if c.MemberID == memberID && c.SessionID == sessionID &&
			!c.Timestamp.Before(dayStart) && c.Timestamp.Before(dayEnd) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CreateCheckIn(ctx context.Context, c model.CheckIn) (model.CheckIn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.id()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	m.checkins[c.ID] = c
	return c, nil
}

func (m *Memory) ListCheckIns(ctx context.Context, f CheckInFilter) ([]model.CheckIn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CheckIn
	for _, c := range m.checkins {
		if f.MemberID != 0 && c.MemberID != f.MemberID {
			continue
		}
		if f.SessionID != 0 && c.SessionID != f.SessionID {
			continue
		}
		if f.GroupID != 0 && c.GroupID != f.GroupID {
			continue
		}
		if !f.From.IsZero() && c.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !c.Timestamp.Before(f.To) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
