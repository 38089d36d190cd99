package probe

import (
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/device"
)

// CheckResult is the outcome of one conformance check.
type CheckResult struct {
	Name    string        `json:"name"`
	Passed  bool          `json:"passed"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Report collects a probe run.
type Report struct {
	Started  time.Time         `json:"started"`
	Config   device.Config     `json:"config"`
	Checks   []CheckResult     `json:"checks"`
	Training []StepResult      `json:"training,omitempty"`
	Pool     *device.PoolStats `json:"pool,omitempty"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
}

func (r *Report) OK() bool { return r.Failed == 0 }

func (r *Report) add(c CheckResult) {
	r.Checks = append(r.Checks, c)
	if c.Passed {
		r.Passed++
	} else {
		r.Failed++
	}
}

// WriteJSON writes r as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
