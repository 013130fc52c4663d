// Package health provides shared types for health check responses.
package health

import "time"

// Status values reported in Response.Status.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Response is the body served on /healthz.
type Response struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Data      Data   `json:"data"`
	Error     string `json:"error,omitempty"`
}

// Data describes the serving process.
type Data struct {
	Service   string `json:"service"`
	StartedAt string `json:"started_at"`
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_sec"`
}

// NewResponse builds a response for a process started at startedAt. A
// non-nil err marks it unhealthy.
func NewResponse(service string, startedAt, now time.Time, err error) Response {
	up := now.Sub(startedAt).Round(time.Second)
	r := Response{
		Status:    StatusHealthy,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data: Data{
			Service:   service,
			StartedAt: startedAt.UTC().Format(time.RFC3339),
			Uptime:    up.String(),
			UptimeSec: int64(up.Seconds()),
		},
	}
	if err != nil {
		r.Status = StatusUnhealthy
		r.Error = err.Error()
	}
	return r
}
