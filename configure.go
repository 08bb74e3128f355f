// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package tsqa

import (
	"fmt"
	"strings"

	"tsqa.256lights.llc/pkg/internal/xmaps"
)

// Configure is a set of options passed to a source tree's configure script.
// A nil value is a bare flag (e.g. "--enable-debug");
// a non-nil value is passed as "--name=value".
type Configure map[string]*string

// Value returns a pointer to s, for use as a [Configure] value.
func Value(s string) *string {
	return &s
}

// ParseConfigure parses a single "name[=value]" option.
// A leading "--" is permitted and stripped.
func ParseConfigure(s string) (name string, value *string, err error) {
	s = strings.TrimPrefix(s, "--")
	name, v, hasValue := strings.Cut(s, "=")
	if name == "" {
		return "", nil, fmt.Errorf("parse configure option %q: empty name", s)
	}
	if hasValue {
		value = &v
	}
	return name, value, nil
}

// ParseConfigureArgs parses a list of "name[=value]" options
// into a [Configure]. Later options override earlier ones.
func ParseConfigureArgs(args []string) (Configure, error) {
	c := make(Configure, len(args))
	for _, arg := range args {
		name, value, err := ParseConfigure(arg)
		if err != nil {
			return nil, err
		}
		c[name] = value
	}
	return c, nil
}

// Args returns the options as configure script arguments in sorted order.
func (c Configure) Args() []string {
	args := make([]string, 0, len(c))
	for name, value := range xmaps.Sorted(c) {
		if value == nil {
			args = append(args, "--"+name)
		} else {
			args = append(args, "--"+name+"="+*value)
		}
	}
	return args
}

// Clone returns a deep copy of c.
func (c Configure) Clone() Configure {
	if c == nil {
		return nil
	}
	c2 := make(Configure, len(c))
	for name, value := range c {
		if value != nil {
			value = Value(*value)
		}
		c2[name] = value
	}
	return c2
}

// mergeConfigure returns a new set of options
// with the options in each of cs applied in order.
func mergeConfigure(cs ...Configure) Configure {
	return xmaps.Merge(cs...).Clone()
}
