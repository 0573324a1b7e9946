package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command API metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_commands_total",
			Help: "Total number of API commands received",
		},
		[]string{"command"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_command_duration_seconds",
			Help:    "Duration of API commands in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"command"},
	)

	AllowStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_allow_status_total",
			Help: "Allow decisions by outcome (allowed, denied, blacklisted, whitelisted)",
		},
		[]string{"status"},
	)

	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_reports_total",
			Help: "Login reports by result",
		},
		[]string{"result"},
	)

	RuleErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_rule_errors_total",
			Help: "Rule evaluations that failed and were treated as not firing",
		},
		[]string{"rule"},
	)
)

// Replication metrics
var (
	ReplicationSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_replication_sent_total",
			Help: "Replication messages sent to siblings",
		},
		[]string{"sibling", "result"},
	)

	ReplicationReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_replication_received_total",
			Help: "Replication messages received from siblings",
		},
		[]string{"sibling", "result"},
	)

	ReplicationDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_replication_dropped_total",
			Help: "Replication messages dropped because a queue was full or the sibling was backing off",
		},
		[]string{"sibling"},
	)

	ReplicationSendQueue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_replication_send_queue",
			Help: "Messages waiting in a sibling send queue",
		},
		[]string{"sibling"},
	)

	ReplicationRecvQueue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_replication_recv_queue",
			Help: "Messages waiting in the receive queue",
		},
	)

	ReplicationConnFailTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_replication_connfail_total",
			Help: "TCP connection failures to siblings",
		},
		[]string{"sibling"},
	)

	ReplicationDuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_replication_duplicates_total",
			Help: "Received messages discarded as duplicates or stale replays",
		},
	)
)

// State metrics
var (
	BlacklistEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_blacklist_entries",
			Help: "Active blacklist entries by type",
		},
		[]string{"type"},
	)

	WhitelistEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_whitelist_entries",
			Help: "Active whitelist entries by type",
		},
		[]string{"type"},
	)

	StatsDBKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_statsdb_keys",
			Help: "Keys held by each stats DB",
		},
		[]string{"db"},
	)

	StatsDBEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_statsdb_evictions_total",
			Help: "Keys removed by the expiry scheduler",
		},
		[]string{"db", "reason"},
	)

	PersistenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_persistence_errors_total",
			Help: "Failed operations against the persistence backend",
		},
		[]string{"backend", "op"},
	)
)

// Webhook metrics
var (
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_webhook_deliveries_total",
			Help: "Webhook deliveries by result (success, failure, dropped, circuit_open)",
		},
		[]string{"hook", "result"},
	)

	WebhookDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_webhook_delivery_duration_seconds",
			Help:    "Duration of webhook HTTP deliveries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"hook"},
	)
)

// Background worker metrics
var (
	ExpirySweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_expiry_sweeps_total",
			Help: "Expiry scheduler sweeps by target",
		},
		[]string{"target"},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_component_health_status",
			Help: "Health status of components (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)
)
