// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

package environment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"

	"tsqa.256lights.llc/pkg/configs"
	"tsqa.256lights.llc/pkg/internal/osutil"
	"tsqa.256lights.llc/pkg/internal/xnet"
	"tsqa.256lights.llc/pkg/layout"
	"zombiezen.com/go/log"
)

// RunScriptName is the name of the launcher script
// written to the root of every sandbox.
const RunScriptName = "run"

// bodyFactoryDir is the name of the error page template directory
// inside the configuration directory.
const bodyFactoryDir = "body_factory"

// Clone populates a fresh sandbox from the installation described by src
// and reserves ports for it.
// Binaries are symlinked rather than copied;
// everything else is copied so that the sandbox can be modified freely.
// The configuration is rewritten to refer to the sandbox and the reserved ports.
//
// Clone returns an error if the environment already has a sandbox.
func (e *Environment) Clone(ctx context.Context, src layout.Layout) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.layout.IsEmpty() {
		return fmt.Errorf("clone %v: environment already cloned to %v", src, e.layout)
	}
	if src.IsEmpty() {
		return fmt.Errorf("clone: %w", layout.ErrNoPrefix)
	}

	if e.opts.Dir != "" {
		if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
			return fmt.Errorf("clone %v: %v", src, err)
		}
	}
	prefix, err := os.MkdirTemp(e.opts.Dir, e.opts.Prefix)
	if err != nil {
		return fmt.Errorf("clone %v: %v", src, err)
	}
	l := layout.New(prefix)
	hostPorts, err := e.populate(ctx, l, src)
	if err != nil {
		if rmErr := osutil.RemoveAll(prefix); rmErr != nil {
			log.Warnf(ctx, "Clean up failed clone: %v", rmErr)
		}
		return fmt.Errorf("clone %v: %w", src, err)
	}
	e.layout = l
	e.hostPorts = hostPorts
	log.Debugf(ctx, "Cloned %v to %v (ports %v)", src, l, hostPorts)
	return nil
}

func (e *Environment) populate(ctx context.Context, l, src layout.Layout) ([]netip.AddrPort, error) {
	if err := os.Chmod(l.Prefix(), 0o755); err != nil {
		return nil, err
	}
	if err := copyInstall(ctx, l, src); err != nil {
		return nil, err
	}
	if err := makeLayoutDirs(l); err != nil {
		return nil, err
	}

	hostPorts, err := xnet.ReservePorts(e.opts.Host, e.opts.Ports)
	if err != nil {
		return nil, err
	}
	if err := writeConfigs(l, hostPorts); err != nil {
		return nil, err
	}
	if err := writeRunScript(l); err != nil {
		return nil, err
	}
	return hostPorts, nil
}

// copyInstall copies the top-level entries of src's prefix into l's prefix.
// The binary directory is recreated with a symlink for each program.
func copyInstall(ctx context.Context, l, src layout.Layout) error {
	srcBin, err := src.Join(layout.BinDir)
	if err != nil {
		return err
	}
	dstBin, err := l.Join(layout.BinDir)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(src.Prefix())
	if err != nil {
		return err
	}
	for _, ent := range entries {
		srcPath := filepath.Join(src.Prefix(), ent.Name())
		dstPath := filepath.Join(l.Prefix(), ent.Name())
		if srcPath == srcBin {
			continue
		}
		switch typ := ent.Type(); {
		case typ&fs.ModeSymlink != 0:
			err = osutil.CopyLink(dstPath, srcPath)
		case typ.IsDir():
			err = osutil.CopyTree(dstPath, srcPath)
		case typ.IsRegular():
			err = osutil.CopyFile(dstPath, srcPath)
		default:
			log.Debugf(ctx, "Skipping %s: unsupported file type %v", srcPath, typ)
			continue
		}
		if err != nil {
			return err
		}
	}

	return linkBinaries(dstBin, srcBin)
}

// linkBinaries creates dst and fills it with a symlink
// to every entry in src.
// A missing src results in an empty dst.
func linkBinaries(dst, src string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if err := os.Symlink(filepath.Join(src, ent.Name()), filepath.Join(dst, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}

// makeLayoutDirs ensures every layout directory exists and is world-writable
// so the daemon can use them regardless of the user it runs as.
func makeLayoutDirs(l layout.Layout) error {
	for _, d := range layout.Dirs() {
		p, err := l.Join(d)
		if err != nil {
			return err
		}
		if err := osutil.MakePublicWritable(p); err != nil {
			return err
		}
	}
	runtimeDir, err := l.Join(layout.RuntimeDir)
	if err != nil {
		return err
	}
	if err := os.Chmod(filepath.Dir(runtimeDir), 0o777); err != nil {
		return err
	}
	bodyFactory, err := l.Join(layout.ConfigDir, bodyFactoryDir)
	if err != nil {
		return err
	}
	return os.MkdirAll(bodyFactory, 0o755)
}

// writeConfigs truncates the URL rewriting rules
// and replaces the records file with one that points at the sandbox.
func writeConfigs(l layout.Layout, hostPorts []netip.AddrPort) error {
	remapPath, err := l.Join(layout.ConfigDir, configs.RemapFile)
	if err != nil {
		return err
	}
	if err := osutil.Truncate(remapPath); err != nil {
		return err
	}
	recordsPath, err := l.Join(layout.ConfigDir, configs.RecordsFile)
	if err != nil {
		return err
	}
	records := configs.NewRecords(recordsPath)
	values, err := sandboxRecords(l, hostPorts)
	if err != nil {
		return err
	}
	records.Update(values)
	return records.Write()
}

// sandboxRecords returns the records that make an installation
// run from l and listen on hostPorts.
func sandboxRecords(l layout.Layout, hostPorts []netip.AddrPort) (map[string]configs.Value, error) {
	paths := make(map[layout.Dir]string)
	for _, d := range layout.Dirs() {
		p, err := l.Join(d)
		if err != nil {
			return nil, err
		}
		paths[d] = p
	}
	m := map[string]configs.Value{
		"proxy.config.config_dir":                     configs.StringValue(paths[layout.ConfigDir]),
		"proxy.config.body_factory.template_sets_dir": configs.StringValue(filepath.Join(paths[layout.ConfigDir], bodyFactoryDir)),
		"proxy.config.plugin.plugin_dir":              configs.StringValue(paths[layout.PluginDir]),
		"proxy.config.bin_path":                       configs.StringValue(paths[layout.BinDir]),
		"proxy.config.log.logfile_dir":                configs.StringValue(paths[layout.LogDir]),
		"proxy.config.local_state_dir":                configs.StringValue(paths[layout.RuntimeDir]),
		"proxy.config.admin.user_id":                  configs.StringValue("#-1"),

		"proxy.config.diags.show_location": configs.IntValue(1),

		"proxy.config.lm.pserver_timeout_secs":  configs.IntValue(0),
		"proxy.config.lm.pserver_timeout_msecs": configs.IntValue(0),
	}
	for _, level := range []string{"diag", "debug", "status", "note", "warning", "error", "fatal", "alert", "emergency"} {
		m["proxy.config.diags.output."+level] = configs.StringValue("OL")
	}
	if len(hostPorts) > 0 {
		m["proxy.config.http.server_ports"] = configs.StringValue(strconv.Itoa(int(hostPorts[0].Port())))
	}
	if len(hostPorts) > 1 {
		m["proxy.config.process_manager.mgmt_port"] = configs.IntValue(int64(hostPorts[1].Port()))
	}
	if len(hostPorts) > 2 {
		adminPort := configs.IntValue(int64(hostPorts[2].Port()))
		m["proxy.config.admin.synthetic_port"] = adminPort
		m["proxy.config.admin.autoconf_port"] = adminPort
	}
	return m, nil
}
