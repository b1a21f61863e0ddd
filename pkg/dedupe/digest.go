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

package dedupe

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"html"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/ontimeops/exception-ontime/pkg/exceptions"
	"github.com/ontimeops/exception-ontime/pkg/utils/filesys"
)

// Digest outputs are strictly derived from the polished set: a CSV for
// spreadsheets, a Markdown table for the Webex bot and a standalone HTML
// document for mail. They carry no semantics of their own.
const (
	DigestCSV  = "digest_exceptions.csv"
	DigestMD   = "digest_exceptions.webex.md"
	DigestHTML = "digest_exceptions.html"

	// expiringSoonDays marks rows whose exception is about to lapse so the
	// requester renews before the reconciler starts shutting them down.
	expiringSoonDays = 3
	expiringTag      = "⚠️"
)

type digestRow struct {
	tag        string
	ns         string
	workload   string
	mode       string
	endDate    string
	daysLeft   int
	requesters string
}

func (d *Deduper) writeDigests(polished []exceptions.PolishedRecord, today time.Time) error {
	rows := make([]digestRow, 0, len(polished))
	count247, countOut, expiring := 0, 0, 0
	for _, r := range polished {
		row := digestRow{
			ns:         r.Namespace,
			workload:   r.Workload,
			mode:       exceptions.ModeHuman(r.ModeEffective),
			endDate:    r.EndDate,
			daysLeft:   r.DaysLeft,
			requesters: strings.Join(r.Requesters, setSeparator),
		}
		if r.DaysLeft <= expiringSoonDays {
			row.tag = expiringTag
			expiring++
		}
		if r.ModeEffective == exceptions.Mode247 {
			count247++
		} else {
			countOut++
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].daysLeft != rows[j].daysLeft {
			return rows[i].daysLeft < rows[j].daysLeft
		}
		if a, b := strings.ToLower(rows[i].ns), strings.ToLower(rows[j].ns); a != b {
			return a < b
		}
		return strings.ToLower(rows[i].workload) < strings.ToLower(rows[j].workload)
	})

	if err := filesys.WriteAtomic(filepath.Join(d.outDir, DigestCSV), digestCSV(rows)); err != nil {
		return err
	}
	summary := fmt.Sprintf("247=%d out_worktime=%d expiring_3d=%d", count247, countOut, expiring)
	if err := filesys.WriteAtomic(filepath.Join(d.outDir, DigestMD), digestMarkdown(rows, d.clk.Now().UTC(), summary)); err != nil {
		return err
	}
	return filesys.WriteAtomic(filepath.Join(d.outDir, DigestHTML), digestHTML(rows))
}

func digestCSV(rows []digestRow) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"tag", "ns", "workload", "mode", "end_date", "days_left", "requesters"})
	for _, r := range rows {
		_ = w.Write([]string{r.tag, r.ns, r.workload, r.mode, r.endDate, strconv.Itoa(r.daysLeft), r.requesters})
	}
	w.Flush()
	return buf.Bytes()
}

func digestMarkdown(rows []digestRow, now time.Time, summary string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "**Exception digest @ %s — %d records**\n\n", now.Format(time.RFC3339), len(rows))

	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Tag", "NS", "Workload", "Mode", "End", "D-left", "Requester(s)"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	for _, r := range rows {
		table.Append([]string{r.tag, r.ns, r.workload, r.mode, r.endDate, strconv.Itoa(r.daysLeft), r.requesters})
	}
	table.Render()

	fmt.Fprintf(&buf, "\n%s\n", summary)
	return buf.Bytes()
}

func digestHTML(rows []digestRow) []byte {
	var buf bytes.Buffer
	buf.WriteString("<!doctype html><meta charset='utf-8'>\n")
	buf.WriteString("<style>table{border-collapse:collapse;font:14px sans-serif} th,td{border:1px solid #ddd;padding:6px 8px} th{background:#f6f6f6} .hot{background:#fff3cd}</style>\n")
	buf.WriteString("<table><thead><tr><th>Tag</th><th>NS</th><th>Workload</th><th>Mode</th><th>End</th><th style='text-align:right'>D-left</th><th>Requester(s)</th></tr></thead><tbody>\n")
	for _, r := range rows {
		cls := ""
		if r.tag == expiringTag {
			cls = " class='hot'"
		}
		fmt.Fprintf(&buf, "<tr%s><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td style='text-align:right'>%d</td><td>%s</td></tr>\n",
			cls, html.EscapeString(r.tag), html.EscapeString(r.ns), html.EscapeString(r.workload),
			html.EscapeString(r.mode), html.EscapeString(r.endDate), r.daysLeft, html.EscapeString(r.requesters))
	}
	buf.WriteString("</tbody></table>\n")
	return buf.Bytes()
}
