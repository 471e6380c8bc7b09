// Package httpapi exposes the service over HTTP. Handlers bind requests,
// resolve the actor placed in the context by the bearer middleware, call the
// services, and translate sentinel errors to status codes.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"dojotrack/internal/attendance"
	"dojotrack/internal/auth"
	"dojotrack/internal/authz"
	"dojotrack/internal/enrollment"
	"dojotrack/internal/metrics"
	"dojotrack/internal/model"
	"dojotrack/internal/queue"
	"dojotrack/internal/storage"
)

// Auth carries the token-issuing configuration.
type Auth struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Server wires handlers to the services.
type Server struct {
	repo     storage.Repository
	enroll   *enrollment.Service
	recorder *attendance.Recorder
	events   queue.Queue
	auth     Auth
}

// NewServer creates the handler set.
func NewServer(repo storage.Repository, enroll *enrollment.Service, recorder *attendance.Recorder, events queue.Queue, a Auth) *Server {
	return &Server{repo: repo, enroll: enroll, recorder: recorder, events: events, auth: a}
}

// Register mounts all routes on the router. authn guards everything under /v1
// except login.
func (s *Server) Register(r *gin.Engine, authn gin.HandlerFunc) {
	r.POST("/v1/auth/login", s.login)

	v1 := r.Group("/v1", authn)
	v1.GET("/auth/me", s.me)
	v1.GET("/users", s.listUsers)
	v1.POST("/users", s.createUser)
	v1.PUT("/users/:id", s.updateUser)
	v1.GET("/groups", s.listGroups)
	v1.GET("/members", s.listMembers)
	v1.POST("/members", s.createMember)
	v1.GET("/members/:id", s.getMember)
	v1.GET("/members/:id/bookings", s.memberBookings)
	v1.GET("/members/:id/attendance", s.memberAttendance)
	v1.GET("/sessions", s.listSessions)
	v1.POST("/sessions", s.createSession)
	v1.PUT("/sessions/:id", s.updateSession)
	v1.GET("/bookings", s.listBookings)
	v1.POST("/bookings", s.createBooking)
	v1.DELETE("/bookings/:sessionID/:memberID", s.deleteBooking)
	v1.POST("/checkins/token", s.checkInByToken)
	v1.POST("/checkins/manual", s.checkInManual)
	v1.GET("/attendance", s.listAttendance)
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.repo.GetUserByUsername(c.Request.Context(), req.Username)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	tokens, err := auth.Issue(user.ID, user.Role, s.auth.Issuer, s.auth.SigningKey, s.auth.AccessTTL, s.auth.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
		"role":          user.Role,
	})
}

func (s *Server) me(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	user, err := s.repo.GetUser(c.Request.Context(), actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) listUsers(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	if err := authz.Authorize(actor, authz.ActionManage, nil); err != nil {
		writeError(c, err)
		return
	}
	users, err := s.repo.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (s *Server) createUser(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	if err := authz.Authorize(actor, authz.ActionManage, nil); err != nil {
		writeError(c, err)
		return
	}
	var req struct {
		Username  string `json:"username" binding:"required"`
		Password  string `json:"password" binding:"required,min=8"`
		Role      string `json:"role" binding:"required"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role := model.Role(req.Role)
	if !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	if _, err := s.repo.GetUserByUsername(c.Request.Context(), req.Username); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeError(c, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	user, err := s.repo.CreateUser(c.Request.Context(), model.User{
		Username:     req.Username,
		PasswordHash: hash,
		Role:         role,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (s *Server) updateUser(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	if err := authz.Authorize(actor, authz.ActionManage, nil); err != nil {
		writeError(c, err)
		return
	}
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	user, err := s.repo.GetUser(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	var req struct {
		Role      *string `json:"role"`
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
		Password  *string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role != nil {
		role := model.Role(*req.Role)
		if !role.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		user.Role = role
	}
	if req.FirstName != nil {
		user.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		user.LastName = *req.LastName
	}
	if req.Password != nil {
		if len(*req.Password) < 8 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "password too short"})
			return
		}
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			writeError(c, err)
			return
		}
		user.PasswordHash = hash
	}
	if err := s.repo.UpdateUser(c.Request.Context(), *user); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) listGroups(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	if err := authz.Authorize(actor, authz.ActionManage, nil); err != nil {
		writeError(c, err)
		return
	}
	groups, err := s.repo.ListGroups(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (s *Server) listMembers(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}

	var members []model.Member
	var err error
	switch actor.Role {
	case model.RoleOperator:
		members, err = s.repo.ListMembers(c.Request.Context())
	case model.RoleGuardian:
		members, err = s.repo.ListMembersByGuardian(c.Request.Context(), actor.ID)
	case model.RoleMember:
		members, err = s.repo.ListMembersByOwner(c.Request.Context(), actor.ID)
	default:
		writeError(c, authz.ErrForbidden)
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (s *Server) createMember(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	if actor.Role != model.RoleOperator && actor.Role != model.RoleGuardian {
		writeError(c, authz.ErrForbidden)
		return
	}

	var req struct {
		GroupID     int64  `json:"group_id" binding:"required"`
		FirstName   string `json:"first_name" binding:"required"`
		LastName    string `json:"last_name" binding:"required"`
		Level       string `json:"level"`
		GuardianID  *int64 `json:"guardian_id"`
		OwnerUserID *int64 `json:"owner_user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.repo.GetGroup(c.Request.Context(), req.GroupID); err != nil {
		writeError(c, err)
		return
	}

	member := model.Member{
		GroupID:     req.GroupID,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Level:       req.Level,
		GuardianID:  req.GuardianID,
		OwnerUserID: req.OwnerUserID,
		Active:      true,
	}
	if member.Level == "" {
		member.Level = "white"
	}
	// Guardians always create members under their own account.
	if actor.Role == model.RoleGuardian {
		id := actor.ID
		member.GuardianID = &id
	}

	// The repository mints the identity token during the insert.
	created, err := s.repo.CreateMember(c.Request.Context(), member)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getMember(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	member, err := s.repo.GetMember(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := authz.Authorize(actor, authz.ActionRead, member); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (s *Server) memberBookings(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	bookings, err := s.enroll.MemberBookings(c.Request.Context(), id, actor, c.Query("all") == "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings})
}

func (s *Server) memberAttendance(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	records, err := s.recorder.MemberAttendance(c.Request.Context(), id, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendance": records})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.repo.ListSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type sessionRequest struct {
	Name      string `json:"name" binding:"required"`
	GroupID   int64  `json:"group_id" binding:"required"`
	Weekday   string `json:"weekday" binding:"required"`
	StartTime string `json:"start_time" binding:"required"`
	EndTime   string `json:"end_time" binding:"required"`
	Capacity  int    `json:"capacity" binding:"required,min=1"`
}

func (s *Server) createSession(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	if err := authz.Authorize(actor, authz.ActionManage, nil); err != nil {
		writeError(c, err)
		return
	}
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.repo.GetGroup(c.Request.Context(), req.GroupID); err != nil {
		writeError(c, err)
		return
	}

	session, err := s.repo.CreateSession(c.Request.Context(), model.Session{
		Name:       req.Name,
		OperatorID: actor.ID,
		GroupID:    req.GroupID,
		Weekday:    req.Weekday,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		Capacity:   req.Capacity,
		Active:     true,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) updateSession(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	if err := authz.Authorize(actor, authz.ActionManage, nil); err != nil {
		writeError(c, err)
		return
	}
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	session, err := s.repo.GetSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	var req struct {
		Name      *string `json:"name"`
		Weekday   *string `json:"weekday"`
		StartTime *string `json:"start_time"`
		EndTime   *string `json:"end_time"`
		Capacity  *int    `json:"capacity"`
		Active    *bool   `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name != nil {
		session.Name = *req.Name
	}
	if req.Weekday != nil {
		session.Weekday = *req.Weekday
	}
	if req.StartTime != nil {
		session.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		session.EndTime = *req.EndTime
	}
	if req.Capacity != nil {
		if *req.Capacity < session.Enrolled {
			c.JSON(http.StatusConflict, gin.H{"error": "capacity below current enrollment"})
			return
		}
		session.Capacity = *req.Capacity
	}
	if req.Active != nil {
		session.Active = *req.Active
	}
	if err := s.repo.UpdateSession(c.Request.Context(), *session); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) listBookings(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	bookings, err := s.enroll.BookingsFor(c.Request.Context(), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings})
}

func (s *Server) createBooking(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	var req struct {
		MemberID  int64 `json:"member_id" binding:"required"`
		SessionID int64 `json:"session_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	booking, err := s.enroll.Book(c.Request.Context(), req.MemberID, req.SessionID, actor)
	if err != nil {
		metrics.BookingsRejected.WithLabelValues(rejectReason(err)).Inc()
		writeError(c, err)
		return
	}
	metrics.BookingsCreated.Inc()
	c.JSON(http.StatusCreated, booking)
}

func (s *Server) deleteBooking(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	sessionID, err := pathID(c, "sessionID")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	memberID, err := pathID(c, "memberID")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid member id"})
		return
	}

	if err := s.enroll.Unbook(c.Request.Context(), memberID, sessionID, actor); err != nil {
		writeError(c, err)
		return
	}
	metrics.BookingsCancelled.Inc()
	c.JSON(http.StatusOK, gin.H{"message": "booking cancelled"})
}

func (s *Server) checkInByToken(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	var req struct {
		Token     string `json:"token" binding:"required"`
		SessionID int64  `json:"session_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recordedBy := actor.ID
	record, err := s.recorder.CheckInByToken(c.Request.Context(), req.Token, req.SessionID, &recordedBy)
	if err != nil {
		metrics.CheckInsRejected.WithLabelValues(rejectReason(err)).Inc()
		writeError(c, err)
		return
	}
	metrics.CheckIns.WithLabelValues(string(record.Method)).Inc()
	s.publish(c.Request.Context(), record)
	c.JSON(http.StatusCreated, record)
}

func (s *Server) checkInManual(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}
	var req struct {
		MemberID  int64  `json:"member_id" binding:"required"`
		SessionID int64  `json:"session_id" binding:"required"`
		Note      string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := s.recorder.CheckInManual(c.Request.Context(), req.MemberID, req.SessionID, actor, req.Note)
	if err != nil {
		metrics.CheckInsRejected.WithLabelValues(rejectReason(err)).Inc()
		writeError(c, err)
		return
	}
	metrics.CheckIns.WithLabelValues(string(record.Method)).Inc()
	s.publish(c.Request.Context(), record)
	c.JSON(http.StatusCreated, record)
}

func (s *Server) listAttendance(c *gin.Context) {
	actor, ok := auth.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no actor"})
		return
	}

	f := storage.CheckInFilter{
		MemberID:  queryID(c, "member_id"),
		SessionID: queryID(c, "session_id"),
		GroupID:   queryID(c, "group_id"),
		Limit:     queryInt(c, "limit", 50),
		Offset:    queryInt(c, "offset", 0),
	}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from date"})
		return
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to date"})
		return
	}

	records, err := s.recorder.List(c.Request.Context(), f, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendance": records})
}

func (s *Server) publish(ctx context.Context, record model.CheckIn) {
	if s.events == nil {
		return
	}
	evt := queue.Event{
		CheckInID: record.ID,
		MemberID:  record.MemberID,
		SessionID: record.SessionID,
		GroupID:   record.GroupID,
		Method:    string(record.Method),
		At:        record.Timestamp,
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		log.Printf("queue publish failed: %v", err)
	}
}

func pathID(c *gin.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

func queryID(c *gin.Context, name string) int64 {
	v, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func queryInt(c *gin.Context, name string, fallback int) int {
	if v := c.Query(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func queryTime(c *gin.Context, name string) (time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
