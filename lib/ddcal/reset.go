// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package ddcal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/skycal-project/skycal/lib/direction"
	"github.com/skycal-project/skycal/lib/ledger"
)

// ErrUnsafeReset means a reset would redo work whose input has since
// been changed by later steps.
var ErrUnsafeReset = errors.New("reset would redo work on data that later steps changed")

var (
	cycleStepPattern     = regexp.MustCompile(`^c(\d{2,})-(.+)$`)
	directionStepPattern = regexp.MustCompile(`^(ddcal\d{4,})-(?:cdd(\d{2,})-)?([a-z]+)$`)
)

// Where a direction's reset starts, earliest first.
const (
	fromIsolation = iota
	fromPreImage
	fromRound
	fromDone
)

// ResetResult reports what Reset forgot.
type ResetResult struct {
	// Steps is the number of ledger steps forgotten.
	Steps int

	// Registries lists the deleted registry files.
	Registries []string

	// Rewound lists the rewound directions as cNN-<direction>.
	Rewound []string

	// Kept lists matched steps that stay recorded because redoing them
	// would add a model to the data a second time.
	Kept []string
}

type directionReset struct {
	cycle int
	name  string
	from  int
	round int
}

func (r *directionReset) key() string { return fmt.Sprintf("c%02d-%s", r.cycle, r.name) }

func (r *directionReset) earlier(from, round int) bool {
	return from < r.from || (from == r.from && round < r.round)
}

type parsedStep struct {
	cycle     int
	direction string
	round     int
	stage     string
}

// parseStep splits a step name. Setup steps have cycle -1, cycle steps
// no direction, and direction steps round -1.
func parseStep(name string) parsedStep {
	match := cycleStepPattern.FindStringSubmatch(name)
	if match == nil {
		return parsedStep{cycle: -1, round: -1, stage: name}
	}
	cycle, _ := strconv.Atoi(match[1])
	step := parsedStep{cycle: cycle, round: -1, stage: match[2]}
	if sub := directionStepPattern.FindStringSubmatch(match[2]); sub != nil {
		step.direction = sub[1]
		step.stage = sub[3]
		if sub[2] != "" {
			step.round, _ = strconv.Atoi(sub[2])
		}
	}
	return step
}

// Reset forgets the ledger steps whose names start with prefix and
// brings the saved direction registries in line with the ledger, so
// the next run redoes the forgotten work instead of replaying stale
// results.
//
// A prefix covering a whole cycle (cNN-, or any prefix of it) forgets
// the cycle and deletes its registry; discovery runs again. A narrower
// prefix rewinds every direction it touches to the earliest stage it
// forgets and forgets that direction's later steps with it: redoing
// the shift redoes the flag, beam, pre-image and every round, and
// redoing round R redoes the rounds after it. The predict step is
// kept, since the direction's model is already in the residual data.
//
// A narrow reset is refused with ErrUnsafeReset when the direction was
// already subtracted, or when another direction has been shifted since
// and the reset does not redo the shift.
func Reset(ctx context.Context, l *ledger.Ledger, layout Layout, prefix string) (ResetResult, error) {
	var result ResetResult
	steps, err := l.Steps(ctx)
	if err != nil {
		return result, err
	}
	parsed := make([]parsedStep, len(steps))
	position := make(map[string]int, len(steps))
	for i, step := range steps {
		parsed[i] = parseStep(step.Name)
		position[step.Name] = i
	}

	wholeCycles := map[int]bool{}
	registries, err := filepath.Glob(filepath.Join(layout.DDCalDir(), "directions-c*.cbor"))
	if err != nil {
		return result, err
	}
	for _, path := range registries {
		var cycle int
		if _, err := fmt.Sscanf(filepath.Base(path), "directions-c%d.cbor", &cycle); err != nil {
			continue
		}
		if strings.HasPrefix(cycleStep(cycle, ""), prefix) {
			wholeCycles[cycle] = true
		}
	}

	forget := map[string]bool{}
	directions := map[string]*directionReset{}
	for i, step := range steps {
		if !strings.HasPrefix(step.Name, prefix) {
			continue
		}
		p := parsed[i]
		if p.cycle >= 0 && strings.HasPrefix(cycleStep(p.cycle, ""), prefix) {
			wholeCycles[p.cycle] = true
		}
		if p.direction == "" || wholeCycles[p.cycle] {
			forget[step.Name] = true
			continue
		}

		var from int
		switch {
		case p.round >= 0:
			from = fromRound
		case p.stage == "predict":
			result.Kept = append(result.Kept, step.Name)
			continue
		case p.stage == "subtract":
			return result, fmt.Errorf("%w: %s was subtracted from the data; reset the cycle with prefix %s",
				ErrUnsafeReset, p.direction, cycleStep(p.cycle, ""))
		case p.stage == "done":
			from = fromDone
		case p.stage == "preimage":
			from = fromPreImage
		default:
			from = fromIsolation
		}
		reset := &directionReset{cycle: p.cycle, name: p.direction, from: from, round: p.round}
		if existing, ok := directions[reset.key()]; !ok || existing.earlier(from, p.round) {
			directions[reset.key()] = reset
		}
	}

	for _, reset := range directions {
		if reset.from == fromDone {
			forget[directionStep(reset.cycle, reset.name, "done")] = true
			continue
		}
		if _, subtracted := position[directionStep(reset.cycle, reset.name, "subtract")]; subtracted {
			return result, fmt.Errorf("%w: %s was subtracted from the data; reset the cycle with prefix %s",
				ErrUnsafeReset, reset.name, cycleStep(reset.cycle, ""))
		}
		if reset.from > fromIsolation {
			if later := shiftedSince(parsed, position, reset); later != "" {
				return result, fmt.Errorf("%w: %s was shifted after %s; reset %s to redo its shift",
					ErrUnsafeReset, later, reset.name, directionStep(reset.cycle, reset.name, "shift"))
			}
		}
		for i, step := range steps {
			if reset.covers(parsed[i]) {
				forget[step.Name] = true
			}
		}
	}

	for cycle := range wholeCycles {
		path := layout.Registry(cycle)
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return result, fmt.Errorf("removing %s: %w", path, err)
		}
		result.Registries = append(result.Registries, path)
	}
	slices.Sort(result.Registries)

	rewound, err := rewindRegistries(layout, directions)
	if err != nil {
		return result, err
	}
	result.Rewound = rewound

	names := make([]string, 0, len(forget))
	for name := range forget {
		names = append(names, name)
	}
	slices.Sort(names)
	result.Steps, err = l.Forget(ctx, names...)
	return result, err
}

// covers reports whether step is redone by the reset.
func (r *directionReset) covers(step parsedStep) bool {
	if step.cycle != r.cycle || step.direction != r.name {
		return false
	}
	switch {
	case step.stage == "done":
		return true
	case step.round >= 0:
		return r.from < fromRound || step.round >= r.round
	case step.stage == "preimage":
		return r.from <= fromPreImage
	case step.stage == "predict", step.stage == "subtract":
		return false
	default:
		return r.from == fromIsolation
	}
}

// shiftedSince returns a direction of the same cycle whose shift was
// recorded after reset's, if any.
func shiftedSince(parsed []parsedStep, position map[string]int, reset *directionReset) string {
	own, ok := position[directionStep(reset.cycle, reset.name, "shift")]
	if !ok {
		return ""
	}
	for _, step := range parsed[own+1:] {
		if step.cycle == reset.cycle && step.direction != reset.name && step.stage == "shift" && step.round < 0 {
			return step.direction
		}
	}
	return ""
}

// rewindRegistries drops the forgotten results from the saved
// registries.
func rewindRegistries(layout Layout, resets map[string]*directionReset) ([]string, error) {
	byCycle := map[int][]*directionReset{}
	for _, reset := range resets {
		if reset.from != fromDone {
			byCycle[reset.cycle] = append(byCycle[reset.cycle], reset)
		}
	}

	var rewound []string
	for cycle, cycleResets := range byCycle {
		path := layout.Registry(cycle)
		registry, err := direction.Load(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, reset := range cycleResets {
			d, ok := registry.Get(reset.name)
			if !ok {
				continue
			}
			if reset.from == fromRound {
				d.Rewind(reset.round)
			} else {
				d.Rewind(0)
				d.NoiseInit = 0
			}
			rewound = append(rewound, reset.key())
		}
		if err := registry.Save(path); err != nil {
			return nil, err
		}
	}
	slices.Sort(rewound)
	return rewound, nil
}
