package broadcast

import (
	"fmt"
	"strings"
)

// ValidationError is returned by Start before anything is changed.
type ValidationError struct {
	CampaignID string
	Problems   []string
	Err        error
}

func (e *ValidationError) Error() string {
	msg := strings.Join(e.Problems, "; ")
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("campaign %s: %s", e.CampaignID, msg)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type AlreadyRunningError struct {
	CampaignID string
	Workers    int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("campaign %s is already running (%d workers)", e.CampaignID, e.Workers)
}

// PersistenceError wraps a store failure. During merges it is logged and
// never stops a worker.
type PersistenceError struct {
	CampaignID string
	Op         string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("campaign %s: %s: %v", e.CampaignID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrShuttingDown is returned by Start after Shutdown began.
var ErrShuttingDown = fmt.Errorf("broadcast service is shutting down")
