package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qaforge/qaforge/types"
)

const (
	MetricsNamespace = "qaforge"
)

var (
	Debug                bool = false
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	executionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "executions_started_total",
		Help:      "Count of executions accepted for dispatch",
	}, []string{
		"project",
		"environment",
	})

	executionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "executions_completed_total",
		Help:      "Count of executions that reached a terminal status",
	}, []string{
		"project",
		"status",
	})

	executionDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock duration of the most recent execution",
	}, []string{
		"project",
		"execution_id",
	})

	unitResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "unit_results_total",
		Help:      "Count of test-unit outcomes",
	}, []string{
		"project",
		"outcome",
	})

	activeExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "active_executions",
		Help:      "Number of executions currently held in the active registry",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordExecutionStarted(project, environment string) {
	if Debug {
		log.Debug("metric inc",
			"m", "executions_started_total",
			"project", project,
			"environment", environment)
	}
	executionsStarted.WithLabelValues(project, environment).Inc()
}

func RecordExecutionCompleted(project, executionID string, status types.ExecutionStatus, duration time.Duration) {
	executionsCompleted.WithLabelValues(project, string(status)).Inc()
	executionDuration.WithLabelValues(project, executionID).Set(duration.Seconds())
}

func RecordUnitResult(project string, outcome types.UnitOutcome) {
	unitResults.WithLabelValues(project, string(outcome)).Inc()
}

func SetActiveExecutions(n int) {
	activeExecutions.Set(float64(n))
}
