/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package nsmatch selects the managed namespaces: cluster namespaces that
// match any include pattern and no deny pattern. Patterns are regular
// expressions, one per line, # comments allowed.
package nsmatch

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/ontimeops/exception-ontime/pkg/utils/filesys"
)

type Matcher struct {
	include []*regexp.Regexp
	deny    []*regexp.Regexp
}

// NewMatcher loads both pattern files. The include file must exist and carry
// at least one pattern; the deny file is optional.
func NewMatcher(includeFile, denyFile string) (*Matcher, error) {
	include, err := loadPatterns(includeFile)
	if err != nil {
		return nil, err
	}
	if len(include) == 0 {
		return nil, fmt.Errorf("managed namespace file %s has no patterns", includeFile)
	}

	var deny []*regexp.Regexp
	if denyFile != "" {
		if _, err := os.Stat(denyFile); err == nil {
			if deny, err = loadPatterns(denyFile); err != nil {
				return nil, err
			}
		}
	}
	return &Matcher{include: include, deny: deny}, nil
}

// Match filters the cluster namespace list down to the managed set, sorted.
// Deny wins over include unconditionally.
func (m *Matcher) Match(namespaces []string) []string {
	var managed []string
	for _, ns := range namespaces {
		if matchAny(m.deny, ns) {
			continue
		}
		if matchAny(m.include, ns) {
			managed = append(managed, ns)
		}
	}
	sort.Strings(managed)
	return managed
}

func matchAny(patterns []*regexp.Regexp, ns string) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(ns) {
			return true
		}
	}
	return false
}

func loadPatterns(path string) ([]*regexp.Regexp, error) {
	lines, err := filesys.ReadPatternFile(path)
	if err != nil {
		return nil, err
	}
	patterns := make([]*regexp.Regexp, 0, len(lines))
	for _, line := range lines {
		pattern, err := regexp.Compile(line)
		if err != nil {
			return nil, fmt.Errorf("compiling namespace pattern %q from %s, %w", line, path, err)
		}
		patterns = append(patterns, pattern)
	}
	return patterns, nil
}
