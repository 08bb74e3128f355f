// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"

	"tsqa.256lights.llc/pkg"
	"tsqa.256lights.llc/pkg/internal/xmaps"
)

// configureFlag is the implementation of [github.com/spf13/pflag.Value]
// for repeated --configure options.
// Each value is a "name[=value]" pair; later values replace earlier ones.
type configureFlag tsqa.Configure

func (f *configureFlag) Type() string { return "name[=value]" }
func (f configureFlag) Get() any      { return tsqa.Configure(f) }

func (f configureFlag) String() string {
	return "[" + strings.Join(tsqa.Configure(f).Args(), " ") + "]"
}

func (f *configureFlag) Set(s string) error {
	name, value, err := tsqa.ParseConfigure(s)
	if err != nil {
		return err
	}
	if *f == nil {
		*f = make(configureFlag)
	}
	(*f)[name] = value
	return nil
}

// envFlag is the implementation of [github.com/spf13/pflag.Value]
// for repeated --env options.
type envFlag map[string]string

func (f *envFlag) Type() string { return "KEY=value" }
func (f envFlag) Get() any      { return map[string]string(f) }

func (f envFlag) String() string {
	sb := new(strings.Builder)
	sb.WriteString("[")
	first := true
	for k, v := range xmaps.Sorted(f) {
		if !first {
			sb.WriteString(" ")
		}
		first = false
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(v)
	}
	sb.WriteString("]")
	return sb.String()
}

func (f *envFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("%q is not in the form KEY=value", s)
	}
	if *f == nil {
		*f = make(envFlag)
	}
	(*f)[k] = v
	return nil
}
