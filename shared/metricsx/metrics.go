package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	assignmentAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignment_attempts_total",
			Help: "Total conversation assignment attempts by outcome.",
		},
		[]string{"outcome"},
	)
	admissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_admission_decisions_total",
			Help: "Total queue admission decisions by outcome.",
		},
		[]string{"outcome"},
	)
	chatbotJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbot_jobs_total",
			Help: "Total chatbot jobs handled by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)
	autoCloseClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoclose_conversations_closed_total",
			Help: "Total conversations closed by the inactivity sweeper.",
		},
	)
	autoCloseSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoclose_sweeps_total",
			Help: "Total auto-close sweep invocations by outcome.",
		},
		[]string{"outcome"},
	)
	assignmentWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assignment_wait_seconds",
			Help:    "Time a conversation spent waiting before assignment.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
	waitingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "waiting_queue_depth",
			Help: "Number of conversations currently waiting for an operator.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, kafkaConsumerLag,
		assignmentAttempts, admissionDecisions, chatbotJobs,
		autoCloseClosed, autoCloseSweeps, assignmentWait,
		influxWriteFailures, asynqQueueDepth, waitingQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncAssignmentAttempt(outcome string) {
	assignmentAttempts.WithLabelValues(outcome).Inc()
}

func IncAdmissionDecision(outcome string) {
	admissionDecisions.WithLabelValues(outcome).Inc()
}

func IncChatbotJob(stage string, outcome string) {
	chatbotJobs.WithLabelValues(stage, outcome).Inc()
}

func IncAutoCloseClosed() {
	autoCloseClosed.Inc()
}

func IncAutoCloseSweep(outcome string) {
	autoCloseSweeps.WithLabelValues(outcome).Inc()
}

func ObserveAssignmentWait(d time.Duration) {
	assignmentWait.Observe(d.Seconds())
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func SetWaitingQueueDepth(depth int) {
	waitingQueueDepth.Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
