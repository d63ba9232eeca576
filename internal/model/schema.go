// internal/model/schema.go
package model

import (
	custom_errors "dh-github-snapshot/internal/errors"
)

// Schema declares the canonical layout of an entity or join table.
type Schema struct {
	Name      string
	Columns   []string
	KeyFields []string
	TimeField string
}

// Validate checks that the schema can identify and order its rows.
func (s Schema) Validate() error {
	if len(s.KeyFields) == 0 {
		return &custom_errors.ErrInvalidSchema{Name: s.Name, Reason: "no key fields"}
	}
	if s.TimeField == "" {
		return &custom_errors.ErrInvalidSchema{Name: s.Name, Reason: "no time field"}
	}
	cols := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		cols[c] = struct{}{}
	}
	for _, f := range append(append([]string{}, s.KeyFields...), s.TimeField) {
		if _, ok := cols[f]; !ok {
			return &custom_errors.ErrInvalidSchema{Name: s.Name, Reason: "column " + f + " is not declared"}
		}
	}
	return nil
}

// Conform reconciles a record against the schema. Missing columns are padded
// with null and undeclared columns are dropped.
func (s Schema) Conform(r Record) Record {
	out := make(Record, len(s.Columns))
	for _, c := range s.Columns {
		out[c] = r[c]
	}
	return out
}

// ConformTable applies Conform to every row and adopts the schema's columns.
func (s Schema) ConformTable(t *Table) *Table {
	out := NewTable(s.Columns)
	if t == nil {
		return out
	}
	out.Rows = make([]Record, len(t.Rows))
	for i, r := range t.Rows {
		out.Rows[i] = s.Conform(r)
	}
	return out
}

// Extra returns the columns of t the schema does not declare.
func (s Schema) Extra(t *Table) []string {
	if t == nil {
		return nil
	}
	declared := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		declared[c] = struct{}{}
	}
	var extra []string
	for _, c := range t.Columns {
		if _, ok := declared[c]; !ok {
			extra = append(extra, c)
		}
	}
	return extra
}
