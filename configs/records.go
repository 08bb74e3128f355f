// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

// Package configs reads and rewrites the configuration files
// of a server installation.
package configs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"tsqa.256lights.llc/pkg/internal/osutil"
	"tsqa.256lights.llc/pkg/internal/xmaps"
)

// RecordsFile is the name of the main configuration file
// in an installation's configuration directory.
const RecordsFile = "records.config"

// DefaultScope is the scope used by [Records.Get] and [Records.Set].
const DefaultScope = "CONFIG"

// Kind is the type of a record value.
type Kind int

// Record kinds.
const (
	String Kind = 1 + iota
	Int
	Float
)

// String returns the kind's keyword as it appears in a records file.
func (k Kind) String() string {
	switch k {
	case String:
		return "STRING"
	case Int:
		return "INT"
	case Float:
		return "FLOAT"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses a records file kind keyword.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "STRING":
		return String, nil
	case "INT":
		return Int, nil
	case "FLOAT":
		return Float, nil
	default:
		return 0, fmt.Errorf("unknown record kind %q", s)
	}
}

// Value is a typed record value.
// The zero value is an invalid value.
type Value struct {
	kind Kind
	text string
}

// StringValue returns a STRING value.
func StringValue(s string) Value {
	return Value{kind: String, text: s}
}

// IntValue returns an INT value.
func IntValue(i int64) Value {
	return Value{kind: Int, text: strconv.FormatInt(i, 10)}
}

// FloatValue returns a FLOAT value.
func FloatValue(f float64) Value {
	return Value{kind: Float, text: strconv.FormatFloat(f, 'f', -1, 64)}
}

// ParseValue parses text as a value of the given kind.
func ParseValue(kind Kind, text string) (Value, error) {
	switch kind {
	case String:
		return StringValue(text), nil
	case Int:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse %v value %q: %v", kind, text, err)
		}
		return IntValue(i), nil
	case Float:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse %v value %q: %v", kind, text, err)
		}
		return FloatValue(f), nil
	default:
		return Value{}, fmt.Errorf("parse value %q: invalid kind", text)
	}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v is not the zero Value.
func (v Value) IsValid() bool { return v.kind != 0 }

// String returns the value as it appears in a records file.
func (v Value) String() string { return v.text }

// Int returns the value as an integer.
// It returns an error if the value is not an INT.
func (v Value) Int() (int64, error) {
	if v.kind != Int {
		return 0, fmt.Errorf("%v value %q is not an integer", v.kind, v.text)
	}
	return strconv.ParseInt(v.text, 10, 64)
}

// Float returns the value as a floating-point number.
// INT values are converted.
func (v Value) Float() (float64, error) {
	if v.kind != Float && v.kind != Int {
		return 0, fmt.Errorf("%v value %q is not a number", v.kind, v.text)
	}
	return strconv.ParseFloat(v.text, 64)
}

// Records is an in-memory representation of a records file:
// a set of scopes (e.g. "CONFIG" or "LOCAL"),
// each of which maps record names to typed values.
// Comments and ordering are not preserved:
// [Records.Write] emits records sorted by scope and name.
type Records struct {
	path   string
	scopes map[string]map[string]Value
}

// NewRecords returns an empty set of records that will be written to path.
func NewRecords(path string) *Records {
	return &Records{path: path}
}

// LoadRecords reads the records file at path.
func LoadRecords(path string) (*Records, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := NewRecords(path)
	if err := r.read(f); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return r, nil
}

func (r *Records) read(rd io.Reader) error {
	s := bufio.NewScanner(rd)
	for lineno := 1; s.Scan(); lineno++ {
		if err := r.AddLine(s.Text()); err != nil {
			return fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	return s.Err()
}

// ErrSyntax is wrapped by errors for malformed records lines.
var ErrSyntax = errors.New("malformed record")

// AddLine parses a single records file line
// of the form "SCOPE name KIND value" and adds it to r.
// Blank lines and lines starting with '#' are ignored.
func (r *Records) AddLine(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	parts := strings.SplitN(line, " ", 4)
	if len(parts) != 4 {
		return fmt.Errorf("%w: %q", ErrSyntax, line)
	}
	kind, err := ParseKind(parts[2])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	v, err := ParseValue(kind, parts[3])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	r.SetScoped(parts[0], parts[1], v)
	return nil
}

// Path returns the path the records are read from and written to.
func (r *Records) Path() string {
	return r.path
}

// Get returns the value of the named record in [DefaultScope].
func (r *Records) Get(name string) (Value, bool) {
	return r.Lookup(DefaultScope, name)
}

// Lookup returns the value of the named record in the given scope.
func (r *Records) Lookup(scope, name string) (Value, bool) {
	v, ok := r.scopes[scope][name]
	return v, ok
}

// Set sets the named record in [DefaultScope].
func (r *Records) Set(name string, v Value) {
	r.SetScoped(DefaultScope, name, v)
}

// SetScoped sets the named record in the given scope.
// Setting an invalid value is equivalent to [Records.Delete].
func (r *Records) SetScoped(scope, name string, v Value) {
	if !v.IsValid() {
		r.DeleteScoped(scope, name)
		return
	}
	if r.scopes == nil {
		r.scopes = make(map[string]map[string]Value)
	}
	m := r.scopes[scope]
	if m == nil {
		m = make(map[string]Value)
		r.scopes[scope] = m
	}
	m[name] = v
}

// Update sets every record in m in [DefaultScope].
func (r *Records) Update(m map[string]Value) {
	for name, v := range m {
		r.Set(name, v)
	}
}

// Delete removes the named record from [DefaultScope].
func (r *Records) Delete(name string) {
	r.DeleteScoped(DefaultScope, name)
}

// DeleteScoped removes the named record from the given scope.
func (r *Records) DeleteScoped(scope, name string) {
	m := r.scopes[scope]
	delete(m, name)
	if len(m) == 0 {
		delete(r.scopes, scope)
	}
}

// Len returns the number of records across all scopes.
func (r *Records) Len() int {
	n := 0
	for _, m := range r.scopes {
		n += len(m)
	}
	return n
}

// MarshalText formats the records as a records file.
func (r *Records) MarshalText() ([]byte, error) {
	buf := new(bytes.Buffer)
	for scope, m := range xmaps.Sorted(r.scopes) {
		for name, v := range xmaps.Sorted(m) {
			fmt.Fprintf(buf, "%s %s %v %s\n", scope, name, v.kind, v.text)
		}
	}
	return buf.Bytes(), nil
}

// Write writes the records to [Records.Path].
func (r *Records) Write() error {
	data, err := r.MarshalText()
	if err != nil {
		return err
	}
	if err := osutil.WriteFilePerm(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	return nil
}
