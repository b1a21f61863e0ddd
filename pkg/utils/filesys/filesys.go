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

// Package filesys centralizes how the pipeline publishes files. Every output
// a consumer might read concurrently goes through write-to-temp-then-rename,
// so a reader observes either the previous complete file or the next one.
package filesys

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s, %w", dir, err)
	}
	return nil
}

// WriteAtomic publishes data at path via temp-and-rename.
func WriteAtomic(path string, data []byte) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("publishing %s, %w", path, err)
	}
	return nil
}

// WriteJSONLines marshals each record to one JSON line and publishes the
// whole file atomically.
func WriteJSONLines[T any](path string, records []T) error {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("encoding record for %s, %w", path, err)
		}
	}
	return WriteAtomic(path, buf.Bytes())
}

// ReadLines streams path line by line, invoking fn with the 1-based line
// number and the trimmed line. Blank lines are skipped.
func ReadLines(path string, fn func(n int, line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s, %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s, %w", path, err)
	}
	return nil
}

// ReadPatternFile returns the non-empty, non-comment lines of path.
func ReadPatternFile(path string) ([]string, error) {
	var lines []string
	err := ReadLines(path, func(_ int, line string) error {
		if !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}
