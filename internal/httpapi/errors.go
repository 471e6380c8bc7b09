package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dojotrack/internal/attendance"
	"dojotrack/internal/authz"
	"dojotrack/internal/enrollment"
	"dojotrack/internal/storage"
	"dojotrack/internal/token"
)

// writeError maps service sentinels onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, authz.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, enrollment.ErrNotFound),
		errors.Is(err, attendance.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, token.ErrMalformed):
		status = http.StatusBadRequest
	case errors.Is(err, enrollment.ErrAlreadyBooked),
		errors.Is(err, enrollment.ErrNotBooked),
		errors.Is(err, enrollment.ErrSessionFull),
		errors.Is(err, storage.ErrCapacity),
		errors.Is(err, attendance.ErrAlreadyCheckedIn),
		errors.Is(err, attendance.ErrGroupMismatch),
		errors.Is(err, attendance.ErrWrongGroup):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// rejectReason labels a refused attempt for the metrics counters.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, authz.ErrForbidden):
		return "forbidden"
	case errors.Is(err, enrollment.ErrAlreadyBooked):
		return "already_booked"
	case errors.Is(err, enrollment.ErrSessionFull), errors.Is(err, storage.ErrCapacity):
		return "session_full"
	case errors.Is(err, attendance.ErrAlreadyCheckedIn):
		return "already_checked_in"
	case errors.Is(err, attendance.ErrGroupMismatch):
		return "group_mismatch"
	case errors.Is(err, attendance.ErrWrongGroup):
		return "wrong_group"
	case errors.Is(err, token.ErrMalformed):
		return "malformed_token"
	case errors.Is(err, enrollment.ErrNotFound), errors.Is(err, attendance.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return "not_found"
	}
	return "error"
}
