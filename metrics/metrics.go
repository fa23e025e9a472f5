// Package metrics exposes Prometheus collectors for the puzzle server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Submissions counts verify attempts by outcome: accepted, stale,
	// bad_solution, speed, identity_mismatch, unauthorized.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hashpass",
		Name:      "submissions_total",
		Help:      "Solution submissions by outcome.",
	}, []string{"outcome"})

	PuzzlesSolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hashpass",
		Name:      "puzzles_solved_total",
		Help:      "Puzzles solved by a miner.",
	})

	PuzzleTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hashpass",
		Name:      "puzzle_timeouts_total",
		Help:      "Puzzle resets forced by the timeout watcher.",
	})

	InviteCodesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hashpass",
		Name:      "invite_codes_issued_total",
		Help:      "Invite codes handed out to winners.",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hashpass",
		Name:      "connected_clients",
		Help:      "Currently connected WebSocket miners.",
	})

	ActiveMiners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hashpass",
		Name:      "active_miners",
		Help:      "Connections currently reporting mining activity.",
	})

	NetworkHashrate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hashpass",
		Name:      "network_hashrate",
		Help:      "Aggregate reported hashrate in hashes per second.",
	})

	Difficulty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hashpass",
		Name:      "difficulty",
		Help:      "Current integer puzzle difficulty.",
	})

	SolveTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hashpass",
		Name:      "solve_time_seconds",
		Help:      "Mining time per solved puzzle.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
	})

	CaptchaChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hashpass",
		Name:      "captcha_checks_total",
		Help:      "CAPTCHA verification attempts by result.",
	}, []string{"result"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hashpass",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook notification attempts by result.",
	}, []string{"result"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
