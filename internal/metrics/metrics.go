package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry holds the process-wide Commitly collectors.
type registry struct {
	once sync.Once

	// Ingestion
	filesIndexed     prometheus.Counter
	fileFailures     *prometheus.CounterVec
	commitsPulled    prometheus.Counter
	commitSummaryErr prometheus.Counter

	// Credits
	creditsSpent     prometheus.Counter
	creditsPurchased prometheus.Counter

	// Q&A
	questions *prometheus.CounterVec

	// Jobs
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

var m registry

func (r *registry) init() {
	r.once.Do(func() {
		r.filesIndexed = prometheus.NewCounter(prometheus.CounterOpts{Name: "commitly_files_indexed_total", Help: "Source files summarised, embedded and stored"})
		r.fileFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "commitly_file_index_failures_total", Help: "Source files skipped during indexing, by stage"}, []string{"stage"})
		r.commitsPulled = prometheus.NewCounter(prometheus.CounterOpts{Name: "commitly_commits_pulled_total", Help: "New commits stored"})
		r.commitSummaryErr = prometheus.NewCounter(prometheus.CounterOpts{Name: "commitly_commit_summary_failures_total", Help: "Commits stored with an empty summary after an upstream failure"})

		r.creditsSpent = prometheus.NewCounter(prometheus.CounterOpts{Name: "commitly_credits_spent_total", Help: "Credits deducted at project creation"})
		r.creditsPurchased = prometheus.NewCounter(prometheus.CounterOpts{Name: "commitly_credits_purchased_total", Help: "Credits added by completed checkouts"})

		r.questions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "commitly_questions_answered_total", Help: "Answered questions by answer mode"}, []string{"mode"})

		buckets := []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
		r.jobs = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "commitly_jobs_total", Help: "Background jobs by kind and outcome"}, []string{"kind", "outcome"})
		r.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "commitly_job_seconds", Help: "Background job duration", Buckets: buckets}, []string{"kind"})

		prometheus.MustRegister(
			r.filesIndexed, r.fileFailures, r.commitsPulled, r.commitSummaryErr,
			r.creditsSpent, r.creditsPurchased,
			r.questions,
			r.jobs, r.jobDuration,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	m.init()
	return promhttp.Handler()
}

func FileIndexed()                 { m.init(); m.filesIndexed.Inc() }
func FileFailed(stage string)      { m.init(); m.fileFailures.WithLabelValues(stage).Inc() }
func CommitsPulled(n int)          { m.init(); m.commitsPulled.Add(float64(n)) }
func CommitSummaryFailed()         { m.init(); m.commitSummaryErr.Inc() }
func CreditsSpent(n int)           { m.init(); m.creditsSpent.Add(float64(n)) }
func CreditsPurchased(n int)       { m.init(); m.creditsPurchased.Add(float64(n)) }
func QuestionAnswered(mode string) { m.init(); m.questions.WithLabelValues(mode).Inc() }

// JobFinished records one job run.
func JobFinished(kind, outcome string, elapsed time.Duration) {
	m.init()
	m.jobs.WithLabelValues(kind, outcome).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}
