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

// Package mkdirlock implements the cooperative directory lock the batch
// stages use to keep concurrent runs off each other's output trees. mkdir is
// atomic on every filesystem we care about, and a leftover lock directory is
// trivially observable and removable by an operator.
package mkdirlock

import (
	"os"
	"time"

	"k8s.io/utils/clock"
)

// retryInterval is how long a contender sleeps between mkdir attempts.
const retryInterval = time.Second

type Lock struct {
	path string
	clk  clock.Clock
}

func New(clk clock.Clock, path string) *Lock {
	return &Lock{path: path, clk: clk}
}

// TryAcquire attempts to create the lock directory, retrying once per second
// up to attempts times. It reports false when the lock stayed held for the
// whole budget; the caller decides whether that means "skip" or "exit".
func (l *Lock) TryAcquire(attempts int) bool {
	for i := 0; i < attempts; i++ {
		err := os.Mkdir(l.path, 0o755)
		if err == nil {
			return true
		}
		if !os.IsExist(err) {
			// Unexpected (permissions, missing parent); holding off is the
			// safe interpretation either way.
			return false
		}
		if i < attempts-1 {
			<-l.clk.After(retryInterval)
		}
	}
	return false
}

// Release removes the lock directory. Failure to remove is ignored: the next
// contender's budget covers a stale lock, and the operator can see it.
func (l *Lock) Release() {
	_ = os.Remove(l.path)
}
