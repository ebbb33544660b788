// Package scenario replays scripted observation sequences through a fresh
// oracle. It backs the twapctl CLI and doubles as a regression harness.
package scenario

import (
	"PerpOracle/internal/oracle"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one market plus the observations written to it, in order.
type Scenario struct {
	Name   string `yaml:"name"`
	Market Market `yaml:"market"`
	Steps  []Step `yaml:"steps"`
}

type Market struct {
	SeedPrice     uint64 `yaml:"seed_price"`
	MarketStartMs uint64 `yaml:"market_start_ms"`
	StartDelayMs  uint64 `yaml:"start_delay_ms"`
	MaxBpsPerStep uint64 `yaml:"max_bps_per_step"`
}

// Step writes Price at AtMs, then reads the TWAP at the same instant.
type Step struct {
	AtMs   uint64  `yaml:"at_ms"`
	Price  uint64  `yaml:"price"`
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect lists optional assertions. Unset fields are not checked.
type Expect struct {
	CappedPrice          *uint64 `yaml:"capped_price,omitempty"`
	WindowTWAP           *uint64 `yaml:"window_twap,omitempty"`
	TWAP                 *uint64 `yaml:"twap,omitempty"`
	TotalCumulativePrice string  `yaml:"total_cumulative_price,omitempty"`
	Phase                string  `yaml:"phase,omitempty"`
	Error                string  `yaml:"error,omitempty"` // oracle error code name
}

// StepResult is what one step did.
type StepResult struct {
	AtMs        uint64
	Price       uint64
	Phase       string
	CappedPrice uint64
	WindowTWAP  uint64
	TWAP        *uint64
	Total       string
	Err         string // write error code, empty on success
	Mismatches  []string
}

type Result struct {
	Name  string
	Steps []StepResult
	Final oracle.State
}

// Passed reports whether every expectation held.
func (r *Result) Passed() bool {
	for _, s := range r.Steps {
		if len(s.Mismatches) > 0 {
			return false
		}
	}
	return true
}

func Load(r io.Reader) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", s.Name)
	}
	return &s, nil
}

func LoadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Run replays s. A failed write is recorded on its step and the run
// continues, since a rejected write leaves the oracle untouched.
func Run(s *Scenario) (*Result, error) {
	o, err := oracle.New(s.Market.SeedPrice, s.Market.MarketStartMs, s.Market.StartDelayMs, s.Market.MaxBpsPerStep)
	if err != nil {
		return nil, fmt.Errorf("new oracle: %w", err)
	}

	res := &Result{Name: s.Name, Steps: make([]StepResult, 0, len(s.Steps))}
	for _, step := range s.Steps {
		sr := StepResult{AtMs: step.AtMs, Price: step.Price}

		ob, err := o.WriteObservation(step.AtMs, step.Price)
		if err != nil {
			sr.Err = oracle.CodeOf(err).String()
		} else {
			sr.Phase = ob.Phase.String()
			sr.CappedPrice = ob.CappedPrice
			sr.WindowTWAP = ob.WindowTWAP
			if twap, err := o.GetTWAP(step.AtMs); err == nil {
				sr.TWAP = &twap
			}
		}
		sr.Total = o.TotalCumulativePrice().Dec()

		if step.Expect != nil {
			sr.Mismatches = check(step.Expect, sr)
		}
		res.Steps = append(res.Steps, sr)
	}

	res.Final = o.State()
	return res, nil
}

func check(e *Expect, sr StepResult) []string {
	var out []string
	if e.Error != sr.Err {
		out = append(out, fmt.Sprintf("error: got %q, want %q", sr.Err, e.Error))
	}
	if e.CappedPrice != nil && *e.CappedPrice != sr.CappedPrice {
		out = append(out, fmt.Sprintf("capped_price: got %d, want %d", sr.CappedPrice, *e.CappedPrice))
	}
	if e.WindowTWAP != nil && *e.WindowTWAP != sr.WindowTWAP {
		out = append(out, fmt.Sprintf("window_twap: got %d, want %d", sr.WindowTWAP, *e.WindowTWAP))
	}
	if e.TWAP != nil {
		switch {
		case sr.TWAP == nil:
			out = append(out, fmt.Sprintf("twap: not ready, want %d", *e.TWAP))
		case *sr.TWAP != *e.TWAP:
			out = append(out, fmt.Sprintf("twap: got %d, want %d", *sr.TWAP, *e.TWAP))
		}
	}
	if e.TotalCumulativePrice != "" && e.TotalCumulativePrice != sr.Total {
		out = append(out, fmt.Sprintf("total_cumulative_price: got %s, want %s", sr.Total, e.TotalCumulativePrice))
	}
	if e.Phase != "" && e.Phase != sr.Phase {
		out = append(out, fmt.Sprintf("phase: got %s, want %s", sr.Phase, e.Phase))
	}
	return out
}
