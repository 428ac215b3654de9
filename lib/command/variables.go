// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"fmt"
	"regexp"
	"strings"
)

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces ${NAME} references with values from variables.
// Every unresolved reference is reported in one error.
func Expand(input string, variables map[string]string) (string, error) {
	var unresolved []string

	result := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		if value, exists := variables[name]; exists {
			return value
		}
		unresolved = append(unresolved, name)
		return match
	})

	if len(unresolved) > 0 {
		return "", fmt.Errorf("unresolved variables: %s", strings.Join(unresolved, ", "))
	}
	return result, nil
}

// References lists the variable names referenced in input, in order
// of appearance, with duplicates kept.
func References(input string) []string {
	var names []string
	for _, match := range variablePattern.FindAllStringSubmatch(input, -1) {
		names = append(names, match[1])
	}
	return names
}
