package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var usageCostCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kidgate_usage_cost",
	Help: "Total recorded service cost, by category",
}, []string{"category"})

var budgetAlertCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kidgate_budget_alerts",
	Help: "Number of per-user budget alerts sent, by kind",
}, []string{"kind"})

var quotaErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kidgate_quota_errors",
	Help: "Number of usage limit checks which failed open",
})
