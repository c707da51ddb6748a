package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledger_notifications_total",
		Help: "Notifications by delivery outcome",
	},
	[]string{"outcome"},
)
