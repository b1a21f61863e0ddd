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

package scale

import (
	"time"

	"github.com/ontimeops/exception-ontime/pkg/options"
)

// window is an inclusive local-time interval within one day.
type window struct {
	startHour, startMin int
	endHour, endMin     int
	action              string
}

// The weekday pre-start window is wide (~55 min) so a crowded tick schedule
// still lands inside it; weekend windows are deliberately narrow because
// only the exception set moves then.
var (
	weekdayWindows = []window{
		{7, 10, 8, 5, options.ActionWeekdayPrestart},
		{17, 55, 18, 5, options.ActionWeekdayEnterOut},
	}
	weekendWindows = []window{
		{8, 45, 9, 5, options.ActionWeekendPre},
		{19, 55, 20, 5, options.ActionWeekendClose},
	}
)

// ResolveAction maps a local wall-clock instant onto the action of the
// window it falls in, or noop outside every window.
func ResolveAction(now time.Time) string {
	windows := weekdayWindows
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		windows = weekendWindows
	}
	for _, w := range windows {
		if w.contains(now) {
			return w.action
		}
	}
	return options.ActionNoop
}

func (w window) contains(now time.Time) bool {
	start := time.Date(now.Year(), now.Month(), now.Day(), w.startHour, w.startMin, 0, 0, now.Location())
	end := time.Date(now.Year(), now.Month(), now.Day(), w.endHour, w.endMin, 0, 0, now.Location())
	return !now.Before(start) && !now.After(end)
}
