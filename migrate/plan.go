package migrate

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"

	"github.com/wippyai/wasm-sandbox/cache"
	"github.com/wippyai/wasm-sandbox/errors"
)

// Status is the progress of one migration item.
type Status uint8

const (
	Pending Status = iota
	Moved
	Skipped
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Moved:
		return "moved"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Item is one legacy file and where it goes in the cache.
type Item struct {
	Err        error           `json:"-"`
	LegacyPath string          `json:"legacy_path"`
	Namespace  cache.Namespace `json:"namespace"`
	Group      string          `json:"group"`
	Name       string          `json:"name"`
	Key        digest.Digest   `json:"key,omitempty"`
	Status     Status          `json:"status"`
}

// MarshalJSON renders Err as its message.
func (it Item) MarshalJSON() ([]byte, error) {
	type plain Item
	var msg string
	if it.Err != nil {
		msg = it.Err.Error()
	}
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(it), msg})
}

func (it *Item) fail(err error) {
	it.Status = Failed
	if errors.KindOf(err) != errors.KindMigrationFailure {
		err = errors.Wrap(errors.PhaseMigrate, errors.KindMigrationFailure, err, "migrate "+it.LegacyPath)
	}
	it.Err = err
}

// Plan is the ordered result of one migration run. It is never persisted;
// a later run rebuilds it and relies on the cache to detect finished items.
type Plan struct {
	Root      string `json:"root"`
	Items     []Item `json:"items"`
	Documents int    `json:"documents"`
	DryRun    bool   `json:"dry_run"`
}

// Summary counts items by status.
type Summary struct {
	Pending int `json:"pending"`
	Moved   int `json:"moved"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Summary tallies the plan.
func (p *Plan) Summary() Summary {
	var s Summary
	for _, it := range p.Items {
		switch it.Status {
		case Pending:
			s.Pending++
		case Moved:
			s.Moved++
		case Skipped:
			s.Skipped++
		case Failed:
			s.Failed++
		}
	}
	return s
}

// Failures returns the items that failed, in plan order.
func (p *Plan) Failures() []Item {
	var out []Item
	for _, it := range p.Items {
		if it.Status == Failed {
			out = append(out, it)
		}
	}
	return out
}

// Err reports a partial failure as a single error, or nil.
func (p *Plan) Err() error {
	if n := p.Summary().Failed; n > 0 {
		return errors.New(errors.PhaseMigrate, errors.KindMigrationFailure).
			Path(p.Root).
			Detail("%d of %d items failed", n, len(p.Items)).
			Cause(p.Failures()[0].Err).Build()
	}
	return nil
}
