package domain

import "time"

const (
	HealthStatusOK = "ok"
	// HealthStatusDegraded means an optional dependency failed and the funnel is running on its
	// fallback (built-in rate table, no abandoned cart events).
	HealthStatusDegraded = "degraded"
	// HealthStatusError means a critical dependency failed and the instance should not take traffic.
	HealthStatusError = "error"
)

var healthRank = map[string]int{
	HealthStatusOK:       0,
	HealthStatusDegraded: 1,
	HealthStatusError:    2,
}

// SystemHealthCheck is the outcome of one dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for the readiness endpoint.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// Serving reports whether the instance can take funnel traffic.
func (r SystemHealthReport) Serving() bool {
	return r.Status != HealthStatusError
}

// WorstHealth folds check statuses into the report status. Unknown statuses count as errors.
func WorstHealth(checks map[string]SystemHealthCheck) string {
	worst := HealthStatusOK
	for _, check := range checks {
		rank, known := healthRank[check.Status]
		if !known {
			return HealthStatusError
		}
		if rank > healthRank[worst] {
			worst = check.Status
		}
	}
	return worst
}
