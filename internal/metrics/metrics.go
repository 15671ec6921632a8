package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AgentsActive tracks agents with a live OS process
	AgentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "garrison_agents_active",
			Help: "Number of agents with a running process",
		},
	)

	// ProcessSpawns counts process launches per backend kind
	ProcessSpawns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garrison_process_spawns_total",
			Help: "Total number of agent process launches",
		},
		[]string{"backend"},
	)

	// ProcessExits counts process exits by outcome
	ProcessExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garrison_process_exits_total",
			Help: "Total number of agent process exits",
		},
		[]string{"outcome"},
	)

	// RunDuration tracks how long a single command run takes
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "garrison_run_duration_seconds",
			Help:    "Command run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"backend", "outcome"},
	)

	// AgentEvents counts parsed events by normalized type
	AgentEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garrison_agent_events_total",
			Help: "Total number of parsed agent events",
		},
		[]string{"type"},
	)

	// RawLines counts stdout lines that carried no structured telemetry
	RawLines = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_raw_lines_total",
			Help: "Total number of unparseable stdout lines forwarded raw",
		},
	)

	// QueuedCommands tracks pending command queue depth per agent
	QueuedCommands = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "garrison_queued_commands",
			Help: "Pending command queue depth",
		},
		[]string{"agent_id"},
	)

	// Observers tracks connected websocket observers
	Observers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "garrison_observers_connected",
			Help: "Number of connected websocket observers",
		},
	)

	// BroadcastDrops counts messages skipped for slow observers
	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_broadcast_drops_total",
			Help: "Total number of broadcast messages dropped for slow observers",
		},
	)

	// Recoveries counts recovery pass outcomes
	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garrison_recoveries_total",
			Help: "Total number of startup recovery outcomes",
		},
		[]string{"outcome"},
	)

	// TokensUsed accumulates token usage per direction
	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garrison_tokens_total",
			Help: "Total tokens consumed by agent runs",
		},
		[]string{"direction"},
	)

	// CostUSD accumulates reported run cost
	CostUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "garrison_cost_usd_total",
			Help: "Total reported run cost in USD",
		},
	)

	// HTTPRequests counts HTTP requests by path and status
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garrison_http_requests_total",
			Help: "Total HTTP requests served",
		},
		[]string{"path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so websocket upgrades still work when wrapped
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

// Instrument wraps an HTTP handler with request counting. Websocket
// upgrades record the pre-hijack status.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		HTTPRequests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}

// RecordSpawn records a process launch
func RecordSpawn(backend string) {
	ProcessSpawns.WithLabelValues(backend).Inc()
	AgentsActive.Inc()
}

// RecordExit records a process exit and run duration
func RecordExit(backend, outcome string, durationSeconds float64) {
	ProcessExits.WithLabelValues(outcome).Inc()
	RunDuration.WithLabelValues(backend, outcome).Observe(durationSeconds)
	AgentsActive.Dec()
}

// RecordAgentEvent records one parsed event
func RecordAgentEvent(eventType string) {
	AgentEvents.WithLabelValues(eventType).Inc()
}

// RecordRawLine records an unparseable stdout line
func RecordRawLine() {
	RawLines.Inc()
}

// SetQueueDepth sets the pending command count for an agent
func SetQueueDepth(agentID string, depth int) {
	QueuedCommands.WithLabelValues(agentID).Set(float64(depth))
}

// RecordObserverConnect tracks observer connection lifecycle
func RecordObserverConnect()    { Observers.Inc() }
func RecordObserverDisconnect() { Observers.Dec() }

// RecordBroadcastDrop records a message skipped for a slow observer
func RecordBroadcastDrop() {
	BroadcastDrops.Inc()
}

// RecordRecovery records one startup recovery outcome
// (resumed, orphaned, offline)
func RecordRecovery(outcome string) {
	Recoveries.WithLabelValues(outcome).Inc()
}

// RecordUsage accumulates token and cost accounting
func RecordUsage(inputTokens, outputTokens int, costUSD float64) {
	TokensUsed.WithLabelValues("input").Add(float64(inputTokens))
	TokensUsed.WithLabelValues("output").Add(float64(outputTokens))
	if costUSD > 0 {
		CostUSD.Add(costUSD)
	}
}
