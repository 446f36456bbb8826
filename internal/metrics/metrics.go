package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for HTTP requests and the job
// pipeline. This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	jobAttemptsTotal      int64
	jobOutcomesTotal      = make(map[string]int64)
	retriesScheduledTotal int64
	reclaimedTotal        int64
	retentionJobsDeleted  int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordJobAttempt increments the counter of processing attempts begun.
func RecordJobAttempt() {
	mu.Lock()
	defer mu.Unlock()
	jobAttemptsTotal++
}

// RecordJobOutcome increments the counter of jobs reaching a terminal
// state, labelled by that state.
func RecordJobOutcome(state string) {
	mu.Lock()
	defer mu.Unlock()
	jobOutcomesTotal[state]++
}

// RecordRetryScheduled increments the counter of retries parked for
// delayed re-delivery.
func RecordRetryScheduled() {
	mu.Lock()
	defer mu.Unlock()
	retriesScheduledTotal++
}

// RecordReclaim increments the counter of messages reclaimed from dead
// consumers after their visibility window expired.
func RecordReclaim() {
	mu.Lock()
	defer mu.Unlock()
	reclaimedTotal++
}

// RecordRetentionJobs increments the counter of job rows deleted by the
// expiry sweeper.
func RecordRetentionJobs(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted += deleted
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP petavatar_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE petavatar_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		fmt.Fprintf(&b, "petavatar_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP petavatar_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE petavatar_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP petavatar_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE petavatar_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "petavatar_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "petavatar_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP petavatar_job_attempts_total Total processing attempts begun\n")
	b.WriteString("# TYPE petavatar_job_attempts_total counter\n")
	fmt.Fprintf(&b, "petavatar_job_attempts_total %d\n", jobAttemptsTotal)

	b.WriteString("# HELP petavatar_job_outcomes_total Jobs reaching a terminal state\n")
	b.WriteString("# TYPE petavatar_job_outcomes_total counter\n")

	var outcomeKeys []string
	for k := range jobOutcomesTotal {
		outcomeKeys = append(outcomeKeys, k)
	}
	sort.Strings(outcomeKeys)
	for _, k := range outcomeKeys {
		fmt.Fprintf(&b, "petavatar_job_outcomes_total{state=\"%s\"} %d\n", k, jobOutcomesTotal[k])
	}

	b.WriteString("# HELP petavatar_job_retries_scheduled_total Retries parked for delayed re-delivery\n")
	b.WriteString("# TYPE petavatar_job_retries_scheduled_total counter\n")
	fmt.Fprintf(&b, "petavatar_job_retries_scheduled_total %d\n", retriesScheduledTotal)

	b.WriteString("# HELP petavatar_queue_reclaimed_total Messages reclaimed after visibility expiry\n")
	b.WriteString("# TYPE petavatar_queue_reclaimed_total counter\n")
	fmt.Fprintf(&b, "petavatar_queue_reclaimed_total %d\n", reclaimedTotal)

	b.WriteString("# HELP petavatar_retention_jobs_deleted_total Job rows deleted by the expiry sweeper\n")
	b.WriteString("# TYPE petavatar_retention_jobs_deleted_total counter\n")
	fmt.Fprintf(&b, "petavatar_retention_jobs_deleted_total %d\n", retentionJobsDeleted)

	return b.String()
}
