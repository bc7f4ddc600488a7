package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Name:      "events_ingested_total",
		Help:      "Total number of chat events sequenced by the buffer",
	}, []string{"channel"})

	ParseDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Subsystem: "upstream",
		Name:      "lines_dropped_total",
		Help:      "Upstream lines that were neither keep-alives nor chat messages",
	})

	UpstreamConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_relay",
		Subsystem: "upstream",
		Name:      "connected",
		Help:      "1 if the upstream IRC connection is open, else 0",
	})

	UpstreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Subsystem: "upstream",
		Name:      "reconnects_total",
		Help:      "Total number of scheduled upstream reconnect attempts",
	})

	BufferedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_relay",
		Subsystem: "buffer",
		Name:      "events",
		Help:      "Number of events currently retained by the buffer",
	})

	BufferEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Subsystem: "buffer",
		Name:      "evicted_total",
		Help:      "Events evicted from the buffer by reason",
	}, []string{"reason"})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_relay",
		Subsystem: "fanout",
		Name:      "subscribers",
		Help:      "Number of connected stream subscribers",
	})

	Deliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Subsystem: "fanout",
		Name:      "deliveries_total",
		Help:      "Events queued to subscribers",
	})

	SubscribersDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Subsystem: "fanout",
		Name:      "dropped_total",
		Help:      "Subscribers removed because delivery failed",
	}, []string{"reason"})

	Replayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_relay",
		Subsystem: "fanout",
		Name:      "replayed_total",
		Help:      "Events replayed to resuming subscribers",
	})
)

// Register регистрирует метрики в реестре Prometheus по умолчанию (идемпотентно).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(EventsIngested)
		prometheus.MustRegister(ParseDropped)
		prometheus.MustRegister(UpstreamConnected)
		prometheus.MustRegister(UpstreamReconnects)
		prometheus.MustRegister(BufferedEvents)
		prometheus.MustRegister(BufferEvicted)
		prometheus.MustRegister(Subscribers)
		prometheus.MustRegister(Deliveries)
		prometheus.MustRegister(SubscribersDropped)
		prometheus.MustRegister(Replayed)
	})
}
