package config

import (
	"fmt"

	"github.com/pingcap/errors"
)

// Range is an inclusive integer range walked with a positive step.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
	Step int `json:"step"`
}

// Single returns the range holding exactly v.
func Single(v int) Range {
	return Range{From: v, To: v, Step: 1}
}

func (r Range) Validate(name string) error {
	if r.Step <= 0 {
		return errors.Errorf("%s step must be > 0: %d", name, r.Step)
	}
	if r.From <= 0 {
		return errors.Errorf("%s range must start above zero: %d", name, r.From)
	}
	if r.From > r.To {
		return errors.Errorf("%s range is empty: from %d > to %d", name, r.From, r.To)
	}
	return nil
}

// Values lists From, From+Step, ... up to and including the last value <= To.
// It returns nil for an invalid range.
func (r Range) Values() []int {
	if r.Step <= 0 || r.From > r.To {
		return nil
	}
	vals := make([]int, 0, (r.To-r.From)/r.Step+1)
	for v := r.From; v <= r.To; v += r.Step {
		vals = append(vals, v)
	}
	return vals
}

func (r Range) IsSingle() bool {
	return r.From == r.To
}

func (r Range) String() string {
	if r.IsSingle() {
		return fmt.Sprintf("%d", r.From)
	}
	return fmt.Sprintf("%d..%d/%d", r.From, r.To, r.Step)
}
