package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hearthcall_active_sessions",
		Help: "Number of open call sessions",
	})

	OffersSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearthcall_offers_sent_total",
		Help: "Number of offers sent over the signaling channel",
	})

	AnswersSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearthcall_answers_sent_total",
		Help: "Number of answers sent over the signaling channel",
	})

	CandidatesBuffered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearthcall_ice_candidates_buffered_total",
		Help: "ICE candidates held until the remote description was applied",
	})

	OffersExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearthcall_offers_expired_total",
		Help: "Offers abandoned after getting no answer in time",
	})

	GlareResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hearthcall_glare_total",
		Help: "Simultaneous offers resolved, by the local outcome",
	}, []string{"outcome"})

	SignalingDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearthcall_signaling_dropped_total",
		Help: "Outbound signaling messages dropped because the channel was not open",
	})

	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hearthcall_reconnect_attempts_total",
		Help: "Signaling channel reconnection attempts",
	})

	NegotiationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hearthcall_negotiation_latency_seconds",
		Help:    "Time from offer creation to a connected peer connection",
		Buckets: prometheus.DefBuckets,
	})

	TrackReplacements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hearthcall_track_replacements_total",
		Help: "Outbound track swaps performed without renegotiation, by track kind",
	}, []string{"kind"})
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveSessions,
			OffersSent,
			AnswersSent,
			OffersExpired,
			CandidatesBuffered,
			GlareResolved,
			SignalingDropped,
			ReconnectAttempts,
			NegotiationLatency,
			TrackReplacements,
		)
	})
}
