package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_messages_sent_total",
		Help: "Messages appended, by sender role.",
	}, []string{"sender_role"})

	SendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_send_retries_total",
		Help: "Retries of the append transaction after a transient store failure.",
	})

	ReadAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_read_acks_total",
		Help: "Read acknowledgements that advanced a cursor.",
	})

	Polls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_polls_total",
		Help: "Sync poll requests served.",
	})

	UnreadRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_unread_recomputes_total",
		Help: "Unread counter rebuilds from the message log.",
	})
)
