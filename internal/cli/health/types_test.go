package health

import (
	"errors"
	"testing"
	"time"
)

func TestNewResponse(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(90*time.Minute + 400*time.Millisecond)

	r := NewResponse("stategc", start, now, nil)
	if r.Status != StatusHealthy || r.Error != "" {
		t.Errorf("healthy response = %+v", r)
	}
	if r.Data.UptimeSec != 5400 || r.Data.Uptime != "1h30m0s" {
		t.Errorf("uptime = %q / %d", r.Data.Uptime, r.Data.UptimeSec)
	}
	if r.Data.StartedAt != "2024-01-01T00:00:00Z" {
		t.Errorf("started_at = %q", r.Data.StartedAt)
	}

	r = NewResponse("stategc", start, now, errors.New("closed"))
	if r.Status != StatusUnhealthy || r.Error != "closed" {
		t.Errorf("unhealthy response = %+v", r)
	}
}
