package run

import (
	"fmt"
	"os"
	"time"

	"github.com/veridex/veridex/internal/domain/model"
)

// Lease is a TTL'd execution lease on a run. It ensures only one
// coordinator process drives a given run at a time; resume refuses a
// held lease and startup recovery reaps expired ones.
type Lease struct {
	runID       model.RunID
	pid         int
	hostname    string
	acquiredAt  time.Time
	expiresAt   time.Time
	heartbeatAt time.Time
}

// NewLease creates a lease for the current process
func NewLease(runID model.RunID, ttl time.Duration) (*Lease, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("get hostname: %w", err)
	}

	now := time.Now().UTC()
	return &Lease{
		runID:       runID,
		pid:         os.Getpid(),
		hostname:    hostname,
		acquiredAt:  now,
		expiresAt:   now.Add(ttl),
		heartbeatAt: now,
	}, nil
}

// ReconstructLease rebuilds a lease from persisted data
func ReconstructLease(
	runID model.RunID,
	pid int,
	hostname string,
	acquiredAt, expiresAt, heartbeatAt time.Time,
) *Lease {
	return &Lease{
		runID:       runID,
		pid:         pid,
		hostname:    hostname,
		acquiredAt:  acquiredAt,
		expiresAt:   expiresAt,
		heartbeatAt: heartbeatAt,
	}
}

// RunID returns the leased run
func (l *Lease) RunID() model.RunID { return l.runID }

// PID returns the holding process ID
func (l *Lease) PID() int { return l.pid }

// Hostname returns the holding host
func (l *Lease) Hostname() string { return l.hostname }

// AcquiredAt returns when the lease was taken
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// ExpiresAt returns the expiry deadline
func (l *Lease) ExpiresAt() time.Time { return l.expiresAt }

// HeartbeatAt returns the last heartbeat time
func (l *Lease) HeartbeatAt() time.Time { return l.heartbeatAt }

// IsExpired checks if the lease has expired
func (l *Lease) IsExpired() bool {
	return time.Now().UTC().After(l.expiresAt)
}

// UpdateHeartbeat refreshes the heartbeat timestamp
func (l *Lease) UpdateHeartbeat() {
	l.heartbeatAt = time.Now().UTC()
}

// Extend re-arms the expiry deadline to d from now. Heartbeats extend
// on every beat, so an actively driven run keeps its lease even when a
// single stage execution outlives the original TTL.
func (l *Lease) Extend(d time.Duration) {
	l.expiresAt = time.Now().UTC().Add(d)
}
