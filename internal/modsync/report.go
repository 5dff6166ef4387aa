package modsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/openmined/modsync/internal/installer"
)

type Status string

const (
	StatusInstalled Status = "installed"
	StatusUpToDate  Status = "up-to-date"
	StatusPlanned   Status = "planned"
	StatusDisabled  Status = "disabled"
	StatusFailed    Status = "failed"
)

// Result is the outcome of syncing one mod.
type Result struct {
	ModID       string
	Name        string
	Version     string
	Status      Status
	Changes     *installer.ChangeSet
	Orphans     []string
	Overwritten []string
	CacheHit    bool
	Err         error
}

// Report collects the results of one Sync call in profile order.
type Report struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Results   []*Result
}

func (r *Report) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Err joins the errors of every failed mod, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.ModID, res.Err))
		}
	}
	return errors.Join(errs...)
}

func (r *Result) fail(err error) *Result {
	r.Status = StatusFailed
	r.Err = err
	return r
}

func (r *Result) apply(res *installer.Result) {
	if res == nil {
		return
	}
	r.Changes = res.Changes
	r.Orphans = res.Orphans
	r.Overwritten = res.Overwritten
}
