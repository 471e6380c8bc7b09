package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"dojotrack/internal/attendance"
	"dojotrack/internal/auth"
	"dojotrack/internal/enrollment"
	"dojotrack/internal/model"
	"dojotrack/internal/queue"
	"dojotrack/internal/storage"
	"dojotrack/internal/token"
)

const (
	testIssuer = "dojotrack"
	testKey    = "http-test-signing-key"
)

type fixture struct {
	router  *gin.Engine
	repo    *storage.Memory
	group   model.Group
	member  model.Member
	session model.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	repo := storage.NewMemory()

	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if _, err := repo.CreateUser(ctx, model.User{ID: 1, Username: "owner", PasswordHash: hash, Role: model.RoleOperator}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := repo.CreateUser(ctx, model.User{ID: 2, Username: "parent", PasswordHash: hash, Role: model.RoleGuardian}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	group, err := repo.CreateGroup(ctx, model.Group{Name: "Downtown"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	guardianID := int64(2)
	member, err := repo.CreateMember(ctx, model.Member{GroupID: group.ID, GuardianID: &guardianID, FirstName: "Aiko", LastName: "Tanaka", Level: "white", Active: true})
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	session, err := repo.CreateSession(ctx, model.Session{Name: "Evening", OperatorID: 1, GroupID: group.ID, Capacity: 2, Active: true})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	srv := NewServer(repo, enrollment.NewService(repo), attendance.NewRecorder(repo), queue.NewInMemory(16), Auth{
		Issuer:     testIssuer,
		SigningKey: testKey,
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	})
	router := gin.New()
	srv.Register(router, auth.Bearer(testKey, testIssuer))

	return &fixture{router: router, repo: repo, group: group, member: member, session: session}
}

func bearerFor(t *testing.T, userID int64, role model.Role) string {
	t.Helper()
	pair, err := auth.Issue(userID, role, testIssuer, testKey, 15*time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + pair.AccessToken
}

func (f *fixture) do(t *testing.T, method, path, authorization string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": "owner", "password": "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		Role        string `json:"role"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken == "" || resp.Role != "operator" {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	// The issued token must be accepted by the guarded routes.
	w = f.do(t, http.MethodGet, "/v1/sessions", "Bearer "+resp.AccessToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with issued token, got %d", w.Code)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": "owner", "password": "nope"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestGuardedRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/members", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/v1/members", "Bearer garbage", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", w.Code)
	}
}

func TestBookingLifecycle(t *testing.T) {
	f := newFixture(t)
	guardian := bearerFor(t, 2, model.RoleGuardian)

	w := f.do(t, http.MethodPost, "/v1/bookings", guardian, gin.H{"member_id": f.member.ID, "session_id": f.session.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Same pair again conflicts.
	w = f.do(t, http.MethodPost, "/v1/bookings", guardian, gin.H{"member_id": f.member.ID, "session_id": f.session.ID})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate booking, got %d", w.Code)
	}

	w = f.do(t, http.MethodDelete,
		"/v1/bookings/"+itoa(f.session.ID)+"/"+itoa(f.member.ID), guardian, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d: %s", w.Code, w.Body.String())
	}

	// Cancelling an already-cancelled booking conflicts.
	w = f.do(t, http.MethodDelete,
		"/v1/bookings/"+itoa(f.session.ID)+"/"+itoa(f.member.ID), guardian, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double cancel, got %d", w.Code)
	}
}

func TestBookingErrorStatuses(t *testing.T) {
	f := newFixture(t)
	operator := bearerFor(t, 1, model.RoleOperator)
	stranger := bearerFor(t, 99, model.RoleGuardian)

	// Operators hold the keys but do not sit in the seats.
	w := f.do(t, http.MethodPost, "/v1/bookings", operator, gin.H{"member_id": f.member.ID, "session_id": f.session.ID})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator booking, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/bookings", stranger, gin.H{"member_id": f.member.ID, "session_id": f.session.ID})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign guardian, got %d", w.Code)
	}

	guardian := bearerFor(t, 2, model.RoleGuardian)
	w = f.do(t, http.MethodPost, "/v1/bookings", guardian, gin.H{"member_id": f.member.ID, "session_id": int64(9999)})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", w.Code)
	}
}

func TestSessionFullReturnsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guardian := bearerFor(t, 2, model.RoleGuardian)

	// Fill both seats with other members booked by the same guardian.
	guardianID := int64(2)
	for i := 0; i < 2; i++ {
		m, err := f.repo.CreateMember(ctx, model.Member{GroupID: f.group.ID, GuardianID: &guardianID, Active: true})
		if err != nil {
			t.Fatalf("create member: %v", err)
		}
		w := f.do(t, http.MethodPost, "/v1/bookings", guardian, gin.H{"member_id": m.ID, "session_id": f.session.ID})
		if w.Code != http.StatusCreated {
			t.Fatalf("seat %d: expected 201, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	w := f.do(t, http.MethodPost, "/v1/bookings", guardian, gin.H{"member_id": f.member.ID, "session_id": f.session.ID})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 when session is full, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCheckInByTokenEndpoint(t *testing.T) {
	f := newFixture(t)
	operator := bearerFor(t, 1, model.RoleOperator)

	w := f.do(t, http.MethodPost, "/v1/checkins/token", operator, gin.H{"token": f.member.IdentityToken, "session_id": f.session.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var record model.CheckIn
	if err := json.Unmarshal(w.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.MemberID != f.member.ID || record.Method != model.MethodToken {
		t.Fatalf("unexpected record: %+v", record)
	}

	w = f.do(t, http.MethodPost, "/v1/checkins/token", operator, gin.H{"token": f.member.IdentityToken, "session_id": f.session.ID})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on same-day duplicate, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/checkins/token", operator, gin.H{"token": "FOO:1:MEMBER:2", "session_id": f.session.ID})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed token, got %d", w.Code)
	}

	// Well-formed but minted for nobody: no member carries this pass.
	w = f.do(t, http.MethodPost, "/v1/checkins/token", operator, gin.H{"token": token.Encode(2, f.member.ID), "session_id": f.session.ID})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unissued token, got %d", w.Code)
	}
}

func TestCheckInManualEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/checkins/manual", bearerFor(t, 2, model.RoleGuardian),
		gin.H{"member_id": f.member.ID, "session_id": f.session.ID})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for guardian, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/checkins/manual", bearerFor(t, 1, model.RoleOperator),
		gin.H{"member_id": f.member.ID, "session_id": f.session.ID, "note": "forgot pass"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAuthMe(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/auth/me", bearerFor(t, 2, model.RoleGuardian), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var user model.User
	if err := json.Unmarshal(w.Body.Bytes(), &user); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if user.ID != 2 || user.Username != "parent" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("password")) {
		t.Fatal("response must not leak the password hash")
	}
}

func TestUserManagementOperatorOnly(t *testing.T) {
	f := newFixture(t)
	guardian := bearerFor(t, 2, model.RoleGuardian)

	w := f.do(t, http.MethodGet, "/v1/users", guardian, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 listing users, got %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/users", guardian,
		gin.H{"username": "sneaky", "password": "longenough", "role": "operator"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 creating user, got %d", w.Code)
	}
	w = f.do(t, http.MethodPut, "/v1/users/1", guardian, gin.H{"role": "guardian"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 updating user, got %d", w.Code)
	}
}

func TestCreateUserAndLogin(t *testing.T) {
	f := newFixture(t)
	operator := bearerFor(t, 1, model.RoleOperator)

	w := f.do(t, http.MethodPost, "/v1/users", operator,
		gin.H{"username": "newcoach", "password": "longenough", "role": "operator", "first_name": "Mei"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created model.User
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == 0 || created.Role != model.RoleOperator {
		t.Fatalf("unexpected user: %+v", created)
	}

	w = f.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": "newcoach", "password": "longenough"})
	if w.Code != http.StatusOK {
		t.Fatalf("new user should be able to log in, got %d: %s", w.Code, w.Body.String())
	}

	// Same username again conflicts.
	w = f.do(t, http.MethodPost, "/v1/users", operator,
		gin.H{"username": "newcoach", "password": "longenough", "role": "guardian"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate username, got %d", w.Code)
	}

	// Unknown roles and short passwords are refused.
	w = f.do(t, http.MethodPost, "/v1/users", operator,
		gin.H{"username": "odd", "password": "longenough", "role": "superuser"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/users", operator,
		gin.H{"username": "odd", "password": "short", "role": "guardian"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", w.Code)
	}
}

func TestUpdateUserResetsPassword(t *testing.T) {
	f := newFixture(t)
	operator := bearerFor(t, 1, model.RoleOperator)

	w := f.do(t, http.MethodPut, "/v1/users/2", operator, gin.H{"password": "rotated-pass", "first_name": "Pat"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": "parent", "password": "s3cret"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("old password should be rejected, got %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": "parent", "password": "rotated-pass"})
	if w.Code != http.StatusOK {
		t.Fatalf("new password should work, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPut, "/v1/users/9999", operator, gin.H{"first_name": "Nobody"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", w.Code)
	}
}

func TestListUsers(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/users", bearerFor(t, 1, model.RoleOperator), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Users []model.User `json:"users"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(resp.Users))
	}
}

func TestMemberVisibility(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/members/"+itoa(f.member.ID), bearerFor(t, 2, model.RoleGuardian), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("guardian should read own member, got %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/v1/members/"+itoa(f.member.ID), bearerFor(t, 77, model.RoleGuardian), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign guardian should get 403, got %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/v1/members/9999", bearerFor(t, 1, model.RoleOperator), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown member should get 404, got %d", w.Code)
	}
}

func TestCreateMemberMintsToken(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/members", bearerFor(t, 2, model.RoleGuardian),
		gin.H{"group_id": f.group.ID, "first_name": "Kenji", "last_name": "Sato"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created model.Member
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.IdentityToken != token.Encode(created.GroupID, created.ID) {
		t.Fatalf("unexpected identity token %q", created.IdentityToken)
	}
	if created.GuardianID == nil || *created.GuardianID != 2 {
		t.Fatalf("member should belong to the creating guardian, got %+v", created.GuardianID)
	}
	if created.Level != "white" {
		t.Fatalf("expected default level white, got %q", created.Level)
	}
}

func TestUpdateSessionCapacityGuard(t *testing.T) {
	f := newFixture(t)
	operator := bearerFor(t, 1, model.RoleOperator)

	w := f.do(t, http.MethodPost, "/v1/bookings", bearerFor(t, 2, model.RoleGuardian),
		gin.H{"member_id": f.member.ID, "session_id": f.session.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("booking: expected 201, got %d", w.Code)
	}

	w = f.do(t, http.MethodPut, "/v1/sessions/"+itoa(f.session.ID), operator, gin.H{"capacity": 0})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 shrinking below enrollment, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPut, "/v1/sessions/"+itoa(f.session.ID), operator, gin.H{"capacity": 10})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 growing capacity, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSessionManagementOperatorOnly(t *testing.T) {
	f := newFixture(t)

	payload := gin.H{
		"name": "Morning", "group_id": f.group.ID, "weekday": "monday",
		"start_time": "09:00", "end_time": "10:30", "capacity": 12,
	}
	w := f.do(t, http.MethodPost, "/v1/sessions", bearerFor(t, 2, model.RoleGuardian), payload)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for guardian, got %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/sessions", bearerFor(t, 1, model.RoleOperator), payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 for operator, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListAttendanceScoping(t *testing.T) {
	f := newFixture(t)
	operator := bearerFor(t, 1, model.RoleOperator)

	w := f.do(t, http.MethodPost, "/v1/checkins/manual", operator,
		gin.H{"member_id": f.member.ID, "session_id": f.session.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("check in: expected 201, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/attendance", operator, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("operator list: expected 200, got %d", w.Code)
	}
	var resp struct {
		Attendance []model.CheckIn `json:"attendance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Attendance) != 1 {
		t.Fatalf("expected 1 record, got %d", len(resp.Attendance))
	}

	// A guardian filtering on somebody else's member is refused.
	w = f.do(t, http.MethodGet, "/v1/attendance?member_id="+itoa(f.member.ID), bearerFor(t, 77, model.RoleGuardian), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
