// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package configs

import (
	"fmt"
	"os"
	"strings"

	"tsqa.256lights.llc/pkg/internal/osutil"
)

// RemapFile is the name of the URL rewriting rules file
// in an installation's configuration directory.
const RemapFile = "remap.config"

// Text is a line-oriented configuration file
// whose contents are treated as opaque text.
type Text struct {
	path     string
	contents strings.Builder
}

// LoadText reads the file at path.
// A missing file is treated as empty.
func LoadText(path string) (*Text, error) {
	t := &Text{path: path}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	t.contents.Write(data)
	return t, nil
}

// Path returns the path the file is read from and written to.
func (t *Text) Path() string {
	return t.path
}

// AddLine appends a line, adding a trailing newline if missing.
func (t *Text) AddLine(line string) {
	t.contents.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		t.contents.WriteString("\n")
	}
}

// AddLines calls [Text.AddLine] for each line.
func (t *Text) AddLines(lines ...string) {
	for _, line := range lines {
		t.AddLine(line)
	}
}

// String returns the current contents.
func (t *Text) String() string {
	return t.contents.String()
}

// Write writes the current contents to [Text.Path].
func (t *Text) Write() error {
	if err := osutil.WriteFilePerm(t.path, []byte(t.contents.String()), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
