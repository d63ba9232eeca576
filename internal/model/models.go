// internal/model/models.go
package model

import (
	"sort"
	"strings"
	"time"
)

// keySep joins the values of a composite key. It cannot occur in CSV data
// written by this module.
const keySep = "\x1f"

// Record is one row of an entity or join table, keyed by column name.
// An absent column and an empty value both mean null.
type Record map[string]string

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Key returns the composite key of the record for the given fields.
func (r Record) Key(fields []string) string {
	if len(fields) == 1 {
		return r[fields[0]]
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = r[f]
	}
	return strings.Join(parts, keySep)
}

// HasIdentity reports whether every key field of the record is non-null.
func (r Record) HasIdentity(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if strings.TrimSpace(r[f]) == "" {
			return false
		}
	}
	return true
}

// Table is an ordered set of records sharing a column layout.
type Table struct {
	Columns []string
	Rows    []Record
}

// NewTable creates an empty table with the given columns.
func NewTable(columns []string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols}
}

// Len returns the number of rows. A nil table has no rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Append adds rows to the table.
func (t *Table) Append(rows ...Record) {
	t.Rows = append(t.Rows, rows...)
}

// Clone returns a copy of the table whose rows can be modified independently.
func (t *Table) Clone() *Table {
	out := NewTable(t.Columns)
	out.Rows = make([]Record, len(t.Rows))
	for i, r := range t.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// KeySet returns the set of composite keys present in the table.
func (t *Table) KeySet(fields []string) map[string]struct{} {
	set := make(map[string]struct{}, t.Len())
	if t == nil {
		return set
	}
	for _, r := range t.Rows {
		set[r.Key(fields)] = struct{}{}
	}
	return set
}

// CountBy returns the number of rows per value of field.
func (t *Table) CountBy(field string) map[string]int {
	counts := make(map[string]int)
	if t == nil {
		return counts
	}
	for _, r := range t.Rows {
		counts[r[field]]++
	}
	return counts
}

// Filter returns a new table holding the rows for which keep returns true.
func (t *Table) Filter(keep func(Record) bool) *Table {
	out := NewTable(t.Columns)
	for _, r := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// DedupKeepLast drops rows sharing a composite key, keeping the last one.
// The surviving rows keep the position of their first occurrence.
func (t *Table) DedupKeepLast(fields []string) *Table {
	out := NewTable(t.Columns)
	index := make(map[string]int, len(t.Rows))
	for _, r := range t.Rows {
		k := r.Key(fields)
		if i, ok := index[k]; ok {
			out.Rows[i] = r
			continue
		}
		index[k] = len(out.Rows)
		out.Rows = append(out.Rows, r)
	}
	return out
}

// UnionColumns returns a followed by the columns of b that a lacks.
func UnionColumns(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, cols := range [][]string{a, b} {
		for _, c := range cols {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// ErrorRecord marks an entity whose fetch failed.
type ErrorRecord struct {
	Key  string    `json:"key"`
	Time time.Time `json:"time"`
	URL  string    `json:"url"`
}

// ThresholdRecord marks an entity whose relation was skipped because its
// expected size exceeded the configured cap.
type ThresholdRecord struct {
	Key       string    `json:"key"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Date      time.Time `json:"date"`
	RunID     string    `json:"run_id"`
}

// LatestErrors keeps only the most recent record per key, ordered by key.
func LatestErrors(records []ErrorRecord) []ErrorRecord {
	latest := make(map[string]ErrorRecord, len(records))
	for _, rec := range records {
		if cur, ok := latest[rec.Key]; !ok || !rec.Time.Before(cur.Time) {
			latest[rec.Key] = rec
		}
	}
	out := make([]ErrorRecord, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// LatestThresholds keeps only the most recent record per key, ordered by key.
func LatestThresholds(records []ThresholdRecord) []ThresholdRecord {
	latest := make(map[string]ThresholdRecord, len(records))
	for _, rec := range records {
		if cur, ok := latest[rec.Key]; !ok || !rec.Date.Before(cur.Date) {
			latest[rec.Key] = rec
		}
	}
	out := make([]ThresholdRecord, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Page is one page of relation rows returned by the fetch capability.
// Next is empty on the last page.
type Page struct {
	Records []Record
	Next    string
}
