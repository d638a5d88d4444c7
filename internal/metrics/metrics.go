package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_tokens_issued_total",
		Help: "Total number of security tokens issued",
	})
	tokensVerifiedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_tokens_verified_total",
		Help: "Total number of tokens that passed verification",
	})
	tokensRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_tokens_rejected_total",
		Help: "Total number of tokens rejected, by reason",
	}, []string{"reason"})
	validationFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_validation_failures_total",
		Help: "Total number of records failing field validation",
	})
	uploadsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_uploads_rejected_total",
		Help: "Total number of uploads rejected, by pipeline stage",
	}, []string{"stage"})
	markupFilteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_markup_filtered_total",
		Help: "Total number of markup fragments that lost content during filtering",
	})
	queriesRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_queries_rejected_total",
		Help: "Total number of query fragments rejected by the query gate",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		tokensIssuedTotal,
		tokensVerifiedTotal,
		tokensRejectedTotal,
		validationFailuresTotal,
		uploadsRejectedTotal,
		markupFilteredTotal,
		queriesRejectedTotal,
	)
}

// IncTokenIssued increments the issued tokens counter.
func IncTokenIssued() { tokensIssuedTotal.Inc() }

// IncTokenVerified increments the verified tokens counter.
func IncTokenVerified() { tokensVerifiedTotal.Inc() }

// IncTokenRejected increments the rejected tokens counter for a reason.
func IncTokenRejected(reason string) { tokensRejectedTotal.WithLabelValues(reason).Inc() }

// IncValidationFailure increments the validation failures counter.
func IncValidationFailure() { validationFailuresTotal.Inc() }

// IncUploadRejected increments the rejected uploads counter for a stage.
func IncUploadRejected(stage string) { uploadsRejectedTotal.WithLabelValues(stage).Inc() }

// IncMarkupFiltered increments the filtered markup counter.
func IncMarkupFiltered() { markupFilteredTotal.Inc() }

// IncQueryRejected increments the rejected queries counter.
func IncQueryRejected() { queriesRejectedTotal.Inc() }
