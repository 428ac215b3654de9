// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// Kind selects parameter rendering and failure detection.
type Kind string

const (
	// KindDP3 renders parameters as key=value, after positional
	// arguments (the parset).
	KindDP3 Kind = "dp3"

	// KindWSClean renders parameters as -key value, before positional
	// arguments (the datasets). Space-separated values become separate
	// arguments: Set("size", "2000 2000").
	KindWSClean Kind = "wsclean"

	// KindPython renders parameters as --key value.
	KindPython Kind = "python"

	// KindGeneral renders parameters as --key value and detects
	// failure by exit status only.
	KindGeneral Kind = "general"
)

// Variables that a per-dataset spec may reference.
const (
	VarMS     = "MS"
	VarMSName = "MS_NAME"
)

var kinds = []Kind{KindDP3, KindWSClean, KindPython, KindGeneral}

// FailureMarkers returns log substrings that mean the invocation
// failed even if it exited zero. Some tools print an exception and
// still return success.
func (k Kind) FailureMarkers() []string {
	switch k {
	case KindDP3:
		return []string{"**** uncaught exception ****", "Exception"}
	case KindWSClean:
		return []string{"Exception", "Aborted", "Segmentation fault"}
	case KindPython:
		return []string{"Traceback (most recent call last)"}
	default:
		return nil
	}
}

// Param is one named parameter.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Spec describes one external tool invocation.
type Spec struct {
	// Name identifies the command in log file names and the ledger.
	// It must be usable as a file name component.
	Name string `json:"name"`

	Kind    Kind   `json:"kind"`
	Program string `json:"program"`

	Params     []Param  `json:"params,omitempty"`
	Flags      []string `json:"flags,omitempty"`
	Positional []string `json:"positional,omitempty"`

	// PerDataset runs one instance per target dataset with ${MS} and
	// ${MS_NAME} bound. Otherwise it runs once.
	PerDataset bool `json:"per_dataset,omitempty"`
}

// New starts a spec. Chain Set, Flag, Arg, and ForEachDataset to
// complete it.
func New(name string, kind Kind, program string) *Spec {
	return &Spec{Name: name, Kind: kind, Program: program}
}

// Set adds a parameter, replacing an earlier value for the same key.
func (s *Spec) Set(key, value string) *Spec {
	for i := range s.Params {
		if s.Params[i].Key == key {
			s.Params[i].Value = value
			return s
		}
	}
	s.Params = append(s.Params, Param{Key: key, Value: value})
	return s
}

// Setf is Set with a formatted value.
func (s *Spec) Setf(key, format string, args ...any) *Spec {
	return s.Set(key, fmt.Sprintf(format, args...))
}

// Flag adds a bare flag (rendered with the kind's prefix).
func (s *Spec) Flag(name string) *Spec {
	s.Flags = append(s.Flags, name)
	return s
}

// Arg appends positional arguments.
func (s *Spec) Arg(args ...string) *Spec {
	s.Positional = append(s.Positional, args...)
	return s
}

// ForEachDataset marks s as per-dataset.
func (s *Spec) ForEachDataset() *Spec {
	s.PerDataset = true
	return s
}

// Get returns the value of a parameter.
func (s *Spec) Get(key string) (string, bool) {
	for _, param := range s.Params {
		if param.Key == key {
			return param.Value, true
		}
	}
	return "", false
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate reports every problem with s, joined.
func (s *Spec) Validate() error {
	var problems []error
	if !namePattern.MatchString(s.Name) {
		problems = append(problems, fmt.Errorf("name %q is not a valid file name component", s.Name))
	}
	if s.Program == "" {
		problems = append(problems, errors.New("program is empty"))
	}
	if !slices.Contains(kinds, s.Kind) {
		problems = append(problems, fmt.Errorf("unknown kind %q", s.Kind))
	}

	seen := make(map[string]bool, len(s.Params))
	for _, param := range s.Params {
		if !keyPattern.MatchString(param.Key) {
			problems = append(problems, fmt.Errorf("parameter key %q is invalid", param.Key))
		}
		if seen[param.Key] {
			problems = append(problems, fmt.Errorf("parameter %q set twice", param.Key))
		}
		seen[param.Key] = true
	}
	for _, flag := range s.Flags {
		if !keyPattern.MatchString(flag) {
			problems = append(problems, fmt.Errorf("flag %q is invalid", flag))
		}
	}

	allowed := map[string]bool{}
	if s.PerDataset {
		allowed[VarMS] = true
		allowed[VarMSName] = true
	}
	for _, value := range s.values() {
		for _, name := range References(value) {
			if !allowed[name] {
				if name == VarMS || name == VarMSName {
					problems = append(problems, fmt.Errorf("${%s} used in a spec that is not per-dataset", name))
				} else {
					problems = append(problems, fmt.Errorf("unknown variable ${%s}", name))
				}
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("command %q: %w", s.Name, errors.Join(problems...))
	}
	return nil
}

func (s *Spec) values() []string {
	values := []string{s.Program}
	for _, param := range s.Params {
		values = append(values, param.Value)
	}
	return append(values, s.Positional...)
}

// DatasetVariables returns the variable bindings for one dataset path.
func DatasetVariables(path string) map[string]string {
	return map[string]string{
		VarMS:     path,
		VarMSName: DatasetName(path),
	}
}

// DatasetName is the base name of a dataset path without its
// extension: "/data/TC00.MS" → "TC00".
func DatasetName(path string) string {
	base := filepath.Base(strings.TrimRight(path, "/"))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LogName is the log file name for one instantiation. It depends only
// on the command name and the dataset, so a re-run of the same step
// overwrites its own log.
func (s *Spec) LogName(dataset string) string {
	if s.PerDataset && dataset != "" {
		return DatasetName(dataset) + "_" + s.Name + ".log"
	}
	return s.Name + ".log"
}

// Argv renders the argument vector with vars bound. The first element
// is the program.
func (s *Spec) Argv(vars map[string]string) ([]string, error) {
	program, err := Expand(s.Program, vars)
	if err != nil {
		return nil, fmt.Errorf("command %q program: %w", s.Name, err)
	}
	positional := make([]string, 0, len(s.Positional))
	for _, arg := range s.Positional {
		expanded, err := Expand(arg, vars)
		if err != nil {
			return nil, fmt.Errorf("command %q argument: %w", s.Name, err)
		}
		positional = append(positional, expanded)
	}

	argv := []string{program}
	switch s.Kind {
	case KindDP3:
		argv = append(argv, positional...)
		for _, param := range s.Params {
			value, err := Expand(param.Value, vars)
			if err != nil {
				return nil, fmt.Errorf("command %q parameter %s: %w", s.Name, param.Key, err)
			}
			argv = append(argv, param.Key+"="+value)
		}
		for _, flag := range s.Flags {
			argv = append(argv, flag+"=true")
		}
	case KindWSClean:
		for _, flag := range s.Flags {
			argv = append(argv, "-"+flag)
		}
		for _, param := range s.Params {
			value, err := Expand(param.Value, vars)
			if err != nil {
				return nil, fmt.Errorf("command %q parameter %s: %w", s.Name, param.Key, err)
			}
			argv = append(argv, "-"+param.Key)
			argv = append(argv, strings.Fields(value)...)
		}
		argv = append(argv, positional...)
	default:
		argv = append(argv, positional...)
		for _, flag := range s.Flags {
			argv = append(argv, "--"+flag)
		}
		for _, param := range s.Params {
			value, err := Expand(param.Value, vars)
			if err != nil {
				return nil, fmt.Errorf("command %q parameter %s: %w", s.Name, param.Key, err)
			}
			argv = append(argv, "--"+param.Key, value)
		}
	}
	return argv, nil
}

// String renders the command with unbound variables left in place, for
// logs and dry runs.
func (s *Spec) String() string {
	argv, err := s.Argv(nil)
	if err != nil {
		parts := append([]string{s.Program}, s.Positional...)
		for _, param := range s.Params {
			parts = append(parts, param.Key+"="+param.Value)
		}
		return strings.Join(parts, " ")
	}
	return strings.Join(argv, " ")
}
