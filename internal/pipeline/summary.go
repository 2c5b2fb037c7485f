package pipeline

import (
	"encoding/json"
	"io"
	"sort"
	"time"
)

// Stage names a run kind.
type Stage string

const (
	StageMirror    Stage = "mirror"
	StageComposite Stage = "composite"
)

type class int

const (
	classSucceeded class = iota
	classSkipped
	classDeferred
	classFailed
)

// UnitResult is the outcome of one archive or one hour.
type UnitResult struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Summary reports a finished run.
type Summary struct {
	Stage       Stage        `json:"stage"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Succeeded   int          `json:"succeeded"`
	Skipped     int          `json:"skipped"`
	Deferred    int          `json:"deferred"`
	Failed      int          `json:"failed"`
	Interrupted bool         `json:"interrupted,omitempty"`
	Units       []UnitResult `json:"units"`
}

func newSummary(stage Stage, now time.Time) Summary {
	return Summary{Stage: stage, StartedAt: now.UTC(), Units: []UnitResult{}}
}

func (s *Summary) add(key, status string, c class, reason string) {
	switch c {
	case classSucceeded:
		s.Succeeded++
	case classSkipped:
		s.Skipped++
	case classDeferred:
		s.Deferred++
	case classFailed:
		s.Failed++
	}
	s.Units = append(s.Units, UnitResult{Key: key, Status: status, Reason: reason})
}

func (s *Summary) sortUnits() {
	sort.SliceStable(s.Units, func(i, j int) bool { return s.Units[i].Key < s.Units[j].Key })
}

// Failures returns the units that did not complete.
func (s Summary) Failures() []UnitResult {
	var out []UnitResult
	for _, u := range s.Units {
		if u.Reason != "" {
			out = append(out, u)
		}
	}
	return out
}

// WriteJSON prints the summary, indented, to w.
func (s Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
