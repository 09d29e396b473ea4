package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerifyAttempts counts verification attempts by method and outcome.
	// Outcome is "verified", a failure reason code, or "error".
	VerifyAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_verify_attempts_total",
		Help: "Attendance verification attempts by method and outcome.",
	}, []string{"method", "outcome"})

	// LedgerCommits counts ledger writes by status and whether a row was
	// actually created (duplicates of the day commit created="false").
	LedgerCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_ledger_commits_total",
		Help: "Attendance ledger commits by status and created flag.",
	}, []string{"status", "created"})

	// SweepMarked counts students marked absent by the sweep.
	SweepMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sweep_marked_total",
		Help: "Students marked absent by the absence sweep.",
	})
)
