// Package metrics exports machine-check counters to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Errors counts valid bank observations per severity.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcheck_errors_total",
			Help: "Bank observations by severity",
		},
		[]string{"severity", "source"},
	)

	// Outcomes counts handler verdicts.
	Outcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcheck_outcomes_total",
			Help: "Handler outcomes",
		},
		[]string{"outcome"},
	)

	// PageOffline counts page retirement results.
	PageOffline = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcheck_page_offline_total",
			Help: "Page retirement attempts by result",
		},
		[]string{"result"},
	)

	// VMCE counts guest notification results.
	VMCE = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcheck_vmce_total",
			Help: "Guest machine-check notifications by result",
		},
		[]string{"result"},
	)

	// Discovery counts CMCI ownership discovery passes.
	Discovery = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcheck_discovery_total",
			Help: "CMCI bank ownership discovery passes",
		},
	)

	// OwnedBanks is the number of banks each processor owns for CMCI.
	OwnedBanks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcheck_owned_banks",
			Help: "CMCI banks owned per processor",
		},
		[]string{"cpu"},
	)

	// Reports counts report dispositions: committed, dumped, dismissed,
	// dropped.
	Reports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcheck_reports_total",
			Help: "Machine-check reports by disposition",
		},
		[]string{"disposition"},
	)

	// ReportsIncomplete counts reports that ran out of space.
	ReportsIncomplete = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcheck_reports_incomplete_total",
			Help: "Reports marked incomplete",
		},
	)

	// CapabilityMismatch counts processors whose capabilities differ from
	// the boot processor's.
	CapabilityMismatch = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcheck_capability_mismatch_total",
			Help: "Processors reporting different MCA capabilities than the boot processor",
		},
	)
)
