package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"dojotrack/internal/model"
	"dojotrack/internal/token"
)

// Postgres persists the domain in Postgres via database/sql.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a repository over an open connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Users

func (r *Postgres) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, first_name, last_name, created_at
		FROM users WHERE id = $1
	`, id)
	return scanUser(row)
}

func (r *Postgres) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, first_name, last_name, created_at
		FROM users WHERE username = $1
	`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.FirstName, &u.LastName, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *Postgres) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash, role, first_name, last_name)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at
	`, u.Username, u.PasswordHash, u.Role, u.FirstName, u.LastName)
	if err := row.Scan(&u.ID, &u.CreatedAt); err != nil {
		return model.User{}, err
	}
	return u, nil
}

func (r *Postgres) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, username, password_hash, role, first_name, last_name, created_at
		FROM users ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.FirstName, &u.LastName, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *Postgres) UpdateUser(ctx context.Context, u model.User) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET username = $2, password_hash = $3, role = $4, first_name = $5, last_name = $6
		WHERE id = $1
	`, u.ID, u.Username, u.PasswordHash, u.Role, u.FirstName, u.LastName)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Groups

func (r *Postgres) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(address, ''), COALESCE(phone, ''), created_at
		FROM groups WHERE id = $1
	`, id)
	var g model.Group
	if err := row.Scan(&g.ID, &g.Name, &g.Address, &g.Phone, &g.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

func (r *Postgres) ListGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(address, ''), COALESCE(phone, ''), created_at
		FROM groups ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Group
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Address, &g.Phone, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Members

const memberCols = `id, guardian_id, owner_user_id, group_id, first_name, last_name, level, identity_token, active, created_at`

func (r *Postgres) GetMember(ctx context.Context, id int64) (*model.Member, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+memberCols+` FROM members WHERE id = $1`, id)
	return scanMember(row)
}

func (r *Postgres) GetMemberByToken(ctx context.Context, tok string) (*model.Member, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+memberCols+` FROM members WHERE identity_token = $1`, tok)
	return scanMember(row)
}

func scanMember(row *sql.Row) (*model.Member, error) {
	var m model.Member
	if err := row.Scan(&m.ID, &m.GuardianID, &m.OwnerUserID, &m.GroupID, &m.FirstName, &m.LastName, &m.Level, &m.IdentityToken, &m.Active, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *Postgres) ListMembers(ctx context.Context) ([]model.Member, error) {
	return r.queryMembers(ctx, `SELECT `+memberCols+` FROM members ORDER BY id`)
}

func (r *Postgres) ListMembersByGuardian(ctx context.Context, guardianID int64) ([]model.Member, error) {
	return r.queryMembers(ctx, `SELECT `+memberCols+` FROM members WHERE guardian_id = $1 ORDER BY id`, guardianID)
}

func (r *Postgres) ListMembersByOwner(ctx context.Context, ownerUserID int64) ([]model.Member, error) {
	return r.queryMembers(ctx, `SELECT `+memberCols+` FROM members WHERE owner_user_id = $1 ORDER BY id`, ownerUserID)
}

func (r *Postgres) queryMembers(ctx context.Context, query string, args ...any) ([]model.Member, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Member
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.ID, &m.GuardianID, &m.OwnerUserID, &m.GroupID, &m.FirstName, &m.LastName, &m.Level, &m.IdentityToken, &m.Active, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateMember inserts the member and mints their identity token in one
// transaction. The token embeds the assigned id, so it cannot exist before
// the insert; a caller-supplied token is kept as is.
func (r *Postgres) CreateMember(ctx context.Context, m model.Member) (model.Member, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Member{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO members (guardian_id, owner_user_id, group_id, first_name, last_name, level, identity_token, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at
	`, m.GuardianID, m.OwnerUserID, m.GroupID, m.FirstName, m.LastName, m.Level, m.IdentityToken, m.Active)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return model.Member{}, err
	}
	if m.IdentityToken == "" {
		m.IdentityToken = token.Encode(m.GroupID, m.ID)
		if _, err := tx.ExecContext(ctx, `UPDATE members SET identity_token = $2 WHERE id = $1`, m.ID, m.IdentityToken); err != nil {
			return model.Member{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Member{}, err
	}
	return m, nil
}

func (r *Postgres) UpdateMember(ctx context.Context, m model.Member) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE members
		SET guardian_id = $2, owner_user_id = $3, group_id = $4, first_name = $5,
		    last_name = $6, level = $7, identity_token = $8, active = $9
		WHERE id = $1
	`, m.ID, m.GuardianID, m.OwnerUserID, m.GroupID, m.FirstName, m.LastName, m.Level, m.IdentityToken, m.Active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Sessions

const sessionCols = `id, name, operator_id, group_id, weekday, start_time, end_time, capacity, enrolled, active, created_at`

func (r *Postgres) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id)
	var s model.Session
	if err := row.Scan(&s.ID, &s.Name, &s.OperatorID, &s.GroupID, &s.Weekday, &s.StartTime, &s.EndTime, &s.Capacity, &s.Enrolled, &s.Active, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *Postgres) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(&s.ID, &s.Name, &s.OperatorID, &s.GroupID, &s.Weekday, &s.StartTime, &s.EndTime, &s.Capacity, &s.Enrolled, &s.Active, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Postgres) CreateSession(ctx context.Context, s model.Session) (model.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (name, operator_id, group_id, weekday, start_time, end_time, capacity, enrolled, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at
	`, s.Name, s.OperatorID, s.GroupID, s.Weekday, s.StartTime, s.EndTime, s.Capacity, s.Enrolled, s.Active)
	if err := row.Scan(&s.ID, &s.CreatedAt); err != nil {
		return model.Session{}, err
	}
	return s, nil
}

func (r *Postgres) UpdateSession(ctx context.Context, s model.Session) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET name = $2, operator_id = $3, group_id = $4, weekday = $5, start_time = $6,
		    end_time = $7, capacity = $8, active = $9
		WHERE id = $1
	`, s.ID, s.Name, s.OperatorID, s.GroupID, s.Weekday, s.StartTime, s.EndTime, s.Capacity, s.Active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Bookings

func (r *Postgres) ActiveBooking(ctx context.Context, memberID, sessionID int64) (*model.Booking, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, member_id, session_id, booked_by, active, booked_at
		FROM bookings
		WHERE member_id = $1 AND session_id = $2 AND active
		LIMIT 1
	`, memberID, sessionID)
	var b model.Booking
	if err := row.Scan(&b.ID, &b.MemberID, &b.SessionID, &b.BookedBy, &b.Active, &b.BookedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (r *Postgres) ListBookings(ctx context.Context, f BookingFilter) ([]model.Booking, error) {
	query := `SELECT id, member_id, session_id, booked_by, active, booked_at FROM bookings`
	args := []any{}
	clauses := []string{}
	if f.MemberID != 0 {
		args = append(args, f.MemberID)
		clauses = append(clauses, "member_id = $"+strconv.Itoa(len(args)))
	}
	if f.SessionID != 0 {
		args = append(args, f.SessionID)
		clauses = append(clauses, "session_id = $"+strconv.Itoa(len(args)))
	}
	if f.ActiveOnly {
		clauses = append(clauses, "active")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY booked_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		var b model.Booking
		if err := rows.Scan(&b.ID, &b.MemberID, &b.SessionID, &b.BookedBy, &b.Active, &b.BookedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateBooking inserts the booking and bumps the session counter in one
// transaction. The conditional update refuses to overrun capacity even if a
// competing writer slipped past the service-level lock.
func (r *Postgres) CreateBooking(ctx context.Context, b model.Booking) (model.Booking, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Booking{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET enrolled = enrolled + 1
		WHERE id = $1 AND enrolled < capacity
	`, b.SessionID)
	if err != nil {
		return model.Booking{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Booking{}, err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, b.SessionID).Scan(&exists); err != nil {
			return model.Booking{}, err
		}
		if !exists {
			return model.Booking{}, ErrNotFound
		}
		return model.Booking{}, ErrCapacity
	}

	if b.BookedAt.IsZero() {
		b.BookedAt = time.Now().UTC()
	}
	b.Active = true
	row := tx.QueryRowContext(ctx, `
		INSERT INTO bookings (member_id, session_id, booked_by, active, booked_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, b.MemberID, b.SessionID, b.BookedBy, b.Active, b.BookedAt)
	if err := row.Scan(&b.ID); err != nil {
		return model.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Booking{}, err
	}
	return b, nil
}

// RetireBooking flips the booking inactive and decrements the counter,
// floored at zero, in one transaction. The active guard makes a repeated
// retire a no-op, so the counter can only go down once per booking.
func (r *Postgres) RetireBooking(ctx context.Context, bookingID, sessionID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE bookings SET active = FALSE WHERE id = $1 AND active`, bookingID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, bookingID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		// Already retired; the counter was released the first time.
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET enrolled = GREATEST(enrolled - 1, 0) WHERE id = $1
	`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// Check-ins

func (r *Postgres) CheckInOnDay(ctx context.Context, memberID, sessionID int64, dayStart, dayEnd time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM checkins
			WHERE member_id = $1 AND session_id = $2
			  AND checked_in_at >= $3 AND checked_in_at < $4
		)
	`, memberID, sessionID, dayStart, dayEnd).Scan(&exists)
	return exists, err
}

func (r *Postgres) CreateCheckIn(ctx context.Context, c model.CheckIn) (model.CheckIn, error) {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO checkins (member_id, session_id, group_id, checked_in_at, method, note, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, c.MemberID, c.SessionID, c.GroupID, c.Timestamp, c.Method, c.Note, c.RecordedBy)
	if err := row.Scan(&c.ID); err != nil {
		return model.CheckIn{}, err
	}
	return c, nil
}

func (r *Postgres) ListCheckIns(ctx context.Context, f CheckInFilter) ([]model.CheckIn, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT id, member_id, session_id, group_id, checked_in_at, method, COALESCE(note, ''), recorded_by FROM checkins`
	args := []any{}
	clauses := []string{}
	if f.MemberID != 0 {
		args = append(args, f.MemberID)
		clauses = append(clauses, "member_id = $"+strconv.Itoa(len(args)))
	}
	if f.SessionID != 0 {
		args = append(args, f.SessionID)
		clauses = append(clauses, "session_id = $"+strconv.Itoa(len(args)))
	}
	if f.GroupID != 0 {
		args = append(args, f.GroupID)
		clauses = append(clauses, "group_id = $"+strconv.Itoa(len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		clauses = append(clauses, "checked_in_at >= $"+strconv.Itoa(len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		clauses = append(clauses, "checked_in_at < $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += " ORDER BY checked_in_at DESC LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CheckIn
	for rows.Next() {
		var c model.CheckIn
		if err := rows.Scan(&c.ID, &c.MemberID, &c.SessionID, &c.GroupID, &c.Timestamp, &c.Method, &c.Note, &c.RecordedBy); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
