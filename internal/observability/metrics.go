// Package observability defines the engine's Prometheus metrics and log
// setup. Collectors are registered once at package init and shared across
// components; the /metrics endpoint is served by the operator API.
package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LiquidationsIngested counts events accepted into the event log.
	LiquidationsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counterliq_liquidations_ingested_total",
		Help: "Forced-order events persisted to the event log.",
	})

	// DedupHits counts duplicate events rejected, split by which layer
	// caught them (memory, database).
	DedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counterliq_dedup_hits_total",
		Help: "Duplicate forced-order events rejected.",
	}, []string{"layer"})

	// GateRejections counts entry decisions stopped by each gate.
	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counterliq_gate_rejections_total",
		Help: "Entry decisions rejected, by gate.",
	}, []string{"gate"})

	// EntriesSubmitted counts entry orders accepted by the venue.
	EntriesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counterliq_entries_submitted_total",
		Help: "Entry orders successfully submitted.",
	})

	// CascadeLevel publishes the per-symbol traffic light as a number
	// (0 green, 1 yellow, 2 orange, 3 red).
	CascadeLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "counterliq_cascade_level",
		Help: "Cascade traffic light per symbol (0=green .. 3=red).",
	}, []string{"symbol"})

	// OpenPositions tracks open positions in the active session.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "counterliq_open_positions",
		Help: "Open positions in the active session.",
	})

	// FillsApplied counts fills applied to positions, split by entry/exit.
	FillsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counterliq_fills_applied_total",
		Help: "Fills applied to positions.",
	}, []string{"kind"})

	// OrphansAdopted counts venue positions adopted by the orphan sweep.
	OrphansAdopted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "counterliq_orphans_adopted_total",
		Help: "Untracked venue positions adopted by reconciliation.",
	})
)

// NewLogger builds the process logger from the configured level and format.
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
