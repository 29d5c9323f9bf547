package dialog

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector собирает метрики стека диалогов.
//
// Два слоя: Prometheus метрики для внешнего мониторинга и атомарные
// счётчики для дешёвой внутренней диагностики. Все операции thread-safe.
type MetricsCollector struct {
	enabled bool

	handlesActive    prometheus.Gauge
	handlesTotal     prometheus.Counter
	usagesActive     *prometheus.GaugeVec
	usagesTotal      *prometheus.CounterVec
	transactions     *prometheus.CounterVec
	restarts         *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec

	// Атомарные счётчики для fast path
	totalHandles      int64
	activeHandles     int64
	totalTransactions int64
	totalErrors       int64
}

// NewMetricsCollector создает сборщик и регистрирует метрики в реестре.
// nil реестр выключает Prometheus слой, атомарные счётчики работают всегда.
func NewMetricsCollector(namespace string, reg prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{}
	if reg == nil {
		return mc
	}
	mc.enabled = true

	mc.handlesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dialog",
		Name:      "handles_active",
		Help:      "Number of currently active dialog handles",
	})
	mc.handlesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dialog",
		Name:      "handles_total",
		Help:      "Total number of dialog handles created",
	})
	mc.usagesActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dialog",
		Name:      "usages_active",
		Help:      "Number of currently active dialog usages",
	}, []string{"class"})
	mc.usagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dialog",
		Name:      "usages_total",
		Help:      "Total number of dialog usages created",
	}, []string{"class"})
	mc.transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dialog",
		Name:      "transactions_total",
		Help:      "Total number of SIP transactions by method and direction",
	}, []string{"method", "direction"})
	mc.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dialog",
		Name:      "transaction_restarts_total",
		Help:      "Total number of automatic client transaction restarts",
	}, []string{"method", "reason"})
	mc.stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dialog",
		Name:      "call_state_transitions_total",
		Help:      "Total number of call state transitions",
	}, []string{"from", "to"})
	mc.refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dialog",
		Name:      "usage_refreshes_total",
		Help:      "Total number of usage refreshes fired",
	}, []string{"class"})
	mc.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dialog",
		Name:      "errors_total",
		Help:      "Total number of errors by category",
	}, []string{"category"})

	reg.MustRegister(
		mc.handlesActive, mc.handlesTotal,
		mc.usagesActive, mc.usagesTotal,
		mc.transactions, mc.restarts,
		mc.stateTransitions, mc.refreshes, mc.errorsTotal,
	)
	return mc
}

// HandleCreated учитывает создание Handle
func (mc *MetricsCollector) HandleCreated() {
	atomic.AddInt64(&mc.totalHandles, 1)
	atomic.AddInt64(&mc.activeHandles, 1)
	if mc.enabled {
		mc.handlesTotal.Inc()
		mc.handlesActive.Inc()
	}
}

// HandleDestroyed учитывает уничтожение Handle
func (mc *MetricsCollector) HandleDestroyed() {
	atomic.AddInt64(&mc.activeHandles, -1)
	if mc.enabled {
		mc.handlesActive.Dec()
	}
}

// UsageAdded учитывает создание usage
func (mc *MetricsCollector) UsageAdded(class string) {
	if mc.enabled {
		mc.usagesTotal.WithLabelValues(class).Inc()
		mc.usagesActive.WithLabelValues(class).Inc()
	}
}

// UsageRemoved учитывает удаление usage
func (mc *MetricsCollector) UsageRemoved(class string) {
	if mc.enabled {
		mc.usagesActive.WithLabelValues(class).Dec()
	}
}

// TransactionStarted учитывает запуск транзакции
func (mc *MetricsCollector) TransactionStarted(method, direction string) {
	atomic.AddInt64(&mc.totalTransactions, 1)
	if mc.enabled {
		mc.transactions.WithLabelValues(method, direction).Inc()
	}
}

// TransactionRestarted учитывает автоматический рестарт
func (mc *MetricsCollector) TransactionRestarted(method, reason string) {
	if mc.enabled {
		mc.restarts.WithLabelValues(method, reason).Inc()
	}
}

// StateTransition учитывает переход состояния сессии
func (mc *MetricsCollector) StateTransition(from, to CallState) {
	if mc.enabled {
		mc.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	}
}

// RefreshFired учитывает срабатывание таймера обновления
func (mc *MetricsCollector) RefreshFired(class string) {
	if mc.enabled {
		mc.refreshes.WithLabelValues(class).Inc()
	}
}

// ErrorOccurred учитывает ошибку по категории
func (mc *MetricsCollector) ErrorOccurred(category ErrorCategory) {
	atomic.AddInt64(&mc.totalErrors, 1)
	if mc.enabled {
		mc.errorsTotal.WithLabelValues(category.String()).Inc()
	}
}

// Snapshot возвращает атомарные счётчики для диагностики
func (mc *MetricsCollector) Snapshot() (handles, active, transactions, errs int64) {
	return atomic.LoadInt64(&mc.totalHandles),
		atomic.LoadInt64(&mc.activeHandles),
		atomic.LoadInt64(&mc.totalTransactions),
		atomic.LoadInt64(&mc.totalErrors)
}
