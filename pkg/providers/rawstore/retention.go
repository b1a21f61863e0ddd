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

package rawstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ontimeops/exception-ontime/pkg/metrics"
	"github.com/ontimeops/exception-ontime/pkg/utils/mkdirlock"
)

// retentionLockAttempts bounds how long a builder waits for a concurrent
// sweep before skipping its own. One attempt per second.
const retentionLockAttempts = 60

// retentionSuffixes are the only files the sweep will ever touch.
var retentionSuffixes = []string{".jsonl", ".csv", ".meta"}

// GuardRoot refuses retention against paths that could only be a
// misconfiguration. The substring check is deliberate: every real raw store
// lives under a /exceptions/raw segment, and nothing else does.
func GuardRoot(root string) error {
	if root == "" || root == "/" {
		return fmt.Errorf("refusing retention on raw root %q", root)
	}
	if !strings.Contains(root, "/exceptions/raw") {
		return fmt.Errorf("refusing retention on raw root %q (must contain /exceptions/raw)", root)
	}
	return nil
}

// Retention deletes raw-* files older than retainDays by mtime, then removes
// dated directories left empty. Contention on the lock skips the sweep
// silently; the next build catches up. With dryRun the victims are only
// listed.
func (s *Store) Retention(retainDays int, dryRun bool) error {
	if err := GuardRoot(s.root); err != nil {
		return err
	}

	lock := mkdirlock.New(s.clk, filepath.Join(s.root, ".retention.lock"))
	if !lock.TryAcquire(retentionLockAttempts) {
		metrics.LockContention.WithLabelValues("retention").Inc()
		s.log.Info("retention lock held, skipping sweep")
		return nil
	}
	defer lock.Release()

	cutoff := s.clk.Now().Add(-time.Duration(retainDays) * 24 * time.Hour)
	var victims []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRetentionCandidate(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			victims = append(victims, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking raw store for retention, %w", err)
	}
	if len(victims) == 0 {
		s.log.V(1).Info("retention found nothing to delete", "retain_days", retainDays)
		return nil
	}

	if dryRun {
		s.log.Info("retention dry run, not deleting", "victims", len(victims))
		for _, path := range victims {
			s.log.Info("retention victim", "path", path)
		}
		return nil
	}
	for _, path := range victims {
		if err := os.Remove(path); err != nil {
			s.log.Error(err, "removing expired raw file", "path", path)
			continue
		}
		metrics.RetentionDeletes.Inc()
	}
	s.log.Info("retention sweep complete", "deleted", len(victims), "retain_days", retainDays)
	s.removeEmptyDayDirs()
	return nil
}

func isRetentionCandidate(name string) bool {
	if !strings.HasPrefix(name, "raw-") {
		return false
	}
	for _, suffix := range retentionSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// removeEmptyDayDirs opportunistically drops dated directories the sweep
// emptied. Failures are fine; a later sweep retries.
func (s *Store) removeEmptyDayDirs() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		// os.Remove fails on non-empty directories, which is the guard.
		_ = os.Remove(filepath.Join(s.root, entry.Name()))
	}
}
