package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ConsumeOutcomeCharged           = "charged"
	ConsumeOutcomeAlreadyDownloaded = "already_downloaded"
	ConsumeOutcomeInsufficient      = "insufficient_credits"
	ConsumeOutcomeNotFound          = "not_found"
	ConsumeOutcomeError             = "error"
)

const (
	ReconcileOutcomeCredited = "credited"
	ReconcileOutcomeReplayed = "replayed"
	ReconcileOutcomeError    = "error"
)

const (
	DBReasonDeadlineExceeded     = "deadline_exceeded"
	DBReasonLockTimeout          = "db_lock_timeout"
	DBReasonSerializationFailure = "serialization_failure"
	DBReasonUniqueViolation      = "unique_violation"
	DBReasonCheckViolation       = "check_violation"
	DBReasonNotFound             = "not_found"
	DBReasonUnknown              = "unknown"
)

// LedgerMetrics holds Prometheus collectors for balance mutations.
type LedgerMetrics struct {
	consumptions    *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	creditsAdded    prometheus.Counter
	creditsSpent    prometheus.Counter
	grants          prometheus.Counter
	txDuration      *prometheus.HistogramVec
	txErrors        *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger collectors. Collectors already
// registered on the registerer are reused.
func NewLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := constLabelsFor(cfg)

	return &LedgerMetrics{
		consumptions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "canvasbanana_credit_consumptions_total",
			Help:        "Artifact download attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"})),
		reconciliations: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "canvasbanana_payment_reconciliations_total",
			Help:        "Paid checkout sessions reconciled into the ledger.",
			ConstLabels: constLabels,
		}, []string{"source", "outcome"})),
		creditsAdded: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "canvasbanana_credits_purchased_total",
			Help:        "Credits added by reconciled purchases.",
			ConstLabels: constLabels,
		})),
		creditsSpent: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "canvasbanana_credits_consumed_total",
			Help:        "Credits spent on artifact downloads.",
			ConstLabels: constLabels,
		})),
		grants: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "canvasbanana_signup_grants_total",
			Help:        "Accounts created with the signup grant.",
			ConstLabels: constLabels,
		})),
		txDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "canvasbanana_ledger_tx_duration_seconds",
			Help:        "Ledger transaction latency including row lock wait.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}, []string{"operation"})),
		txErrors: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "canvasbanana_ledger_tx_errors_total",
			Help:        "Ledger transaction failures by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"operation", "reason"})),
	}
}

func (m *LedgerMetrics) RecordConsume(outcome string) {
	if m == nil {
		return
	}
	m.consumptions.WithLabelValues(outcome).Inc()
	if outcome == ConsumeOutcomeCharged {
		m.creditsSpent.Inc()
	}
}

func (m *LedgerMetrics) RecordReconcile(source, outcome string, credits int64) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(source, outcome).Inc()
	if outcome == ReconcileOutcomeCredited && credits > 0 {
		m.creditsAdded.Add(float64(credits))
	}
}

func (m *LedgerMetrics) RecordGrant() {
	if m == nil {
		return
	}
	m.grants.Inc()
}

// ObserveTx records the duration of a ledger transaction and classifies err.
func (m *LedgerMetrics) ObserveTx(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.txDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err != nil {
		m.txErrors.WithLabelValues(operation, ClassifyDBReason(err)).Inc()
	}
}

// ClassifyDBReason maps storage errors to a bounded label set.
func ClassifyDBReason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DBReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DBReasonNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return DBReasonUniqueViolation
	}
	if errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return DBReasonCheckViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return DBReasonLockTimeout
		case "40001":
			return DBReasonSerializationFailure
		case "23505":
			return DBReasonUniqueViolation
		case "23514":
			return DBReasonCheckViolation
		}
	}
	return DBReasonUnknown
}

func constLabelsFor(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "canvasbanana"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}
