// Package metrics exposes prometheus counters for the booking and
// attendance paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BookingsCreated counts successful bookings.
	BookingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dojotrack_bookings_created_total",
		Help: "Number of bookings created.",
	})

	// BookingsCancelled counts retired bookings.
	BookingsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dojotrack_bookings_cancelled_total",
		Help: "Number of bookings cancelled.",
	})

	// BookingsRejected counts refused booking attempts by reason.
	BookingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dojotrack_bookings_rejected_total",
		Help: "Number of booking attempts refused.",
	}, []string{"reason"})

	// CheckIns counts recorded check-ins by method.
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dojotrack_checkins_total",
		Help: "Number of check-ins recorded.",
	}, []string{"method"})

	// CheckInsRejected counts refused check-in attempts by reason.
	CheckInsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dojotrack_checkins_rejected_total",
		Help: "Number of check-in attempts refused.",
	}, []string{"reason"})
)
