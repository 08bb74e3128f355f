// Copyright 2026 The tsqa Authors
// SPDX-License-Identifier: MIT

//go:build unix

package tsqa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"tsqa.256lights.llc/pkg/buildcache"
	"tsqa.256lights.llc/pkg/environment"
	"tsqa.256lights.llc/pkg/internal/buildlog"
	"tsqa.256lights.llc/pkg/internal/testcontext"
	"tsqa.256lights.llc/pkg/layout"
)

const fakeSourceHash = "0123456789abcdef0123456789abcdef01234567"

// fakeSource is a source tree whose build tools are shell scripts
// that record their invocations.
type fakeSource struct {
	dir    string
	tools  string
	counts string
}

func newFakeSource(tb testing.TB) *fakeSource {
	tb.Helper()
	root := tb.TempDir()
	fs := &fakeSource{
		dir:    filepath.Join(root, "src"),
		tools:  filepath.Join(root, "tools"),
		counts: filepath.Join(root, "counts"),
	}
	for _, dir := range []string{fs.dir, fs.tools, fs.counts} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			tb.Fatal(err)
		}
	}
	scripts := map[string]string{
		filepath.Join(fs.tools, "git"): "#!/bin/sh\n" +
			"echo " + fakeSourceHash + "\n",
		filepath.Join(fs.tools, "autoreconf"): "#!/bin/sh\n" +
			"echo regenerate >> '" + fs.countFile("autoreconf") + "'\n",
		filepath.Join(fs.dir, "configure"): "#!/bin/sh\n" +
			"echo \"$*\" >> '" + fs.countFile("configure") + "'\n" +
			"echo \"$*\" > config.args\n" +
			"if [ -e '" + fs.hangMarker() + "' ]; then exec sleep 30; fi\n" +
			"case \"$*\" in *--slow*) sleep 0.5;; esac\n" +
			"case \"$*\" in *--fail-configure*) echo 'configure: error: unsupported option' >&2; exit 1;; esac\n",
		filepath.Join(fs.tools, "make"): "#!/bin/sh\n" +
			"if [ \"$1\" = install ]; then\n" +
			"  if grep -q fail-install config.args; then echo 'install: permission denied' >&2; exit 2; fi\n" +
			"  dest=\"${2#DESTDIR=}\"\n" +
			"  mkdir -p \"$dest/bin\" \"$dest/lib\" \"$dest/etc/trafficserver\"\n" +
			"  printf '#!/bin/sh\\nexit 0\\n' > \"$dest/bin/traffic_cop\"\n" +
			"  chmod +x \"$dest/bin/traffic_cop\"\n" +
			"  echo 'CONFIG proxy.config.stale INT 1' > \"$dest/etc/trafficserver/records.config\"\n" +
			"  exit 0\n" +
			"fi\n" +
			"echo \"$*\" >> '" + fs.countFile("make") + "'\n",
	}
	for path, content := range scripts {
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			tb.Fatal(err)
		}
	}
	return fs
}

// hangMarker returns the path of a file
// whose existence makes configure hang.
func (fs *fakeSource) hangMarker() string {
	return filepath.Join(fs.tools, "hang")
}

func (fs *fakeSource) countFile(tool string) string {
	return filepath.Join(fs.counts, tool)
}

// count returns the number of times tool has run.
func (fs *fakeSource) count(tb testing.TB, tool string) int {
	tb.Helper()
	data, err := os.ReadFile(fs.countFile(tool))
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		tb.Fatal(err)
	}
	return strings.Count(string(data), "\n")
}

func (fs *fakeSource) options() *Options {
	return &Options{
		DefaultEnv: map[string]string{"PATH": os.Getenv("PATH")},
		Jobs:       2,
		Git:        []string{filepath.Join(fs.tools, "git")},
		Autoreconf: []string{filepath.Join(fs.tools, "autoreconf")},
		Make:       []string{filepath.Join(fs.tools, "make")},
	}
}

func openCache(ctx context.Context, tb testing.TB) *buildcache.Cache {
	tb.Helper()
	c, err := buildcache.Open(ctx, tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	return c
}

func TestResolveBuildKey(t *testing.T) {
	o := NewOrchestrator(t.TempDir(), nil, &Options{
		DefaultConfigure: Configure{"enable-debug": nil},
		DefaultEnv:       map[string]string{"PATH": "/bin", "HOME": "/home/a"},
	})
	base := o.ResolveBuildKey(Configure{"with-openssl": Value("/usr")}, nil)

	tests := []struct {
		name      string
		configure Configure
		env       map[string]string
		same      bool
	}{
		{
			name:      "ExplicitDefaults",
			configure: Configure{"with-openssl": Value("/usr"), "enable-debug": nil},
			env:       map[string]string{"PATH": "/bin"},
			same:      true,
		},
		{
			name:      "NonWhitelistedEnv",
			configure: Configure{"with-openssl": Value("/usr")},
			env:       map[string]string{"HOME": "/home/b", "TERM": "dumb"},
			same:      true,
		},
		{
			name:      "WhitelistedEnv",
			configure: Configure{"with-openssl": Value("/usr")},
			env:       map[string]string{"CC": "clang"},
			same:      false,
		},
		{
			name:      "EmptyValueVersusFlag",
			configure: Configure{"with-openssl": Value("/usr"), "enable-debug": Value("")},
			same:      false,
		},
		{
			name:      "DifferentValue",
			configure: Configure{"with-openssl": Value("/opt")},
			same:      false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := o.ResolveBuildKey(test.configure, test.env)
			if same := got.Key == base.Key; same != test.same {
				t.Errorf("key = %s, base = %s; same = %t, want %t", got.Key, base.Key, same, test.same)
			}
		})
	}

	if diff := cmp.Diff(map[string]string{"PATH": "/bin"}, base.Env); diff != "" {
		t.Errorf("Env (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"--enable-debug", "--with-openssl=/usr"}, base.Configure.Args()); diff != "" {
		t.Errorf("Configure.Args() (-want +got):\n%s", diff)
	}
}

func TestBuildKeyOrderIndependent(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	want := ""
	for i := range 20 {
		c := make(Configure)
		for j := range names {
			name := names[(i+j)%len(names)]
			c[name] = Value(strings.ToUpper(name))
		}
		key := buildKey(c, map[string]string{"CC": "cc", "PATH": "/bin"})
		if i == 0 {
			want = key
		} else if key != want {
			t.Fatalf("iteration %d: key = %s; want %s", i, key, want)
		}
	}
}

func TestGetLayoutBuildsOnce(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	src := newFakeSource(t)
	cache := openCache(ctx, t)
	o := NewOrchestrator(src.dir, cache, src.options())

	configure := Configure{"enable-debug": nil}
	l1, err := o.GetLayout(ctx, configure, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(l1.Prefix(), "bin", "traffic_cop")); err != nil {
		t.Error(err)
	}
	if got := filepath.Dir(l1.Prefix()); got != cache.Dir() {
		t.Errorf("install path %s not in cache directory %s", l1.Prefix(), cache.Dir())
	}
	l2, err := o.GetLayout(ctx, configure, nil)
	if err != nil {
		t.Fatal(err)
	}
	if l1.Prefix() != l2.Prefix() {
		t.Errorf("second GetLayout prefix = %s; want %s", l2.Prefix(), l1.Prefix())
	}

	// A second orchestrator sharing the cache does not rebuild.
	o2 := NewOrchestrator(src.dir, cache, src.options())
	if _, err := o2.GetLayout(ctx, configure, nil); err != nil {
		t.Fatal(err)
	}

	for _, tool := range []string{"autoreconf", "configure", "make"} {
		if got := src.count(t, tool); got != 1 {
			t.Errorf("%s ran %d times; want 1", tool, got)
		}
	}
	configureArgs, err := os.ReadFile(src.countFile("configure"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := strings.TrimSpace(string(configureArgs)), "--prefix=/ --enable-debug"; got != want {
		t.Errorf("configure args = %q; want %q", got, want)
	}

	spec := o.ResolveBuildKey(configure, nil)
	entry, ok := cache.Get(buildcache.Key{SourceHash: fakeSourceHash, BuildKey: spec.Key})
	if !ok {
		t.Fatal("build not recorded in cache")
	}
	if entry.Path != l1.Prefix() {
		t.Errorf("cache entry path = %s; want %s", entry.Path, l1.Prefix())
	}
	logPath := filepath.Join(cache.Dir(), LogDirName, fakeSourceHash+"-"+spec.Key+".log")
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("build log: %v", err)
	}

	// The build survives reloading the cache from disk.
	reloaded, err := buildcache.Open(ctx, cache.Dir())
	if err != nil {
		t.Fatal(err)
	}
	o3 := NewOrchestrator(src.dir, reloaded, src.options())
	if _, err := o3.GetLayout(ctx, configure, nil); err != nil {
		t.Fatal(err)
	}
	if got := src.count(t, "configure"); got != 1 {
		t.Errorf("configure ran %d times after reload; want 1", got)
	}
}

func TestGetLayoutConcurrent(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	src := newFakeSource(t)
	o := NewOrchestrator(src.dir, openCache(ctx, t), src.options())

	const n = 4
	var wg sync.WaitGroup
	prefixes := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := o.GetLayout(ctx, Configure{"enable-debug": nil}, nil)
			prefixes[i], errs[i] = l.Prefix(), err
		}()
	}
	wg.Wait()
	for i := range n {
		if errs[i] != nil {
			t.Errorf("GetLayout #%d: %v", i, errs[i])
		} else if prefixes[i] != prefixes[0] {
			t.Errorf("GetLayout #%d prefix = %s; want %s", i, prefixes[i], prefixes[0])
		}
	}
	if got := src.count(t, "configure"); got != 1 {
		t.Errorf("configure ran %d times; want 1", got)
	}
}

func TestGetLayoutSharedCacheConcurrent(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	src := newFakeSource(t)
	cache := openCache(ctx, t)
	orchestrators := []*Orchestrator{
		NewOrchestrator(src.dir, cache, src.options()),
		NewOrchestrator(src.dir, cache, src.options()),
	}

	var wg sync.WaitGroup
	prefixes := make([]string, len(orchestrators))
	errs := make([]error, len(orchestrators))
	for i, o := range orchestrators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := o.GetLayout(ctx, Configure{"slow": nil}, nil)
			prefixes[i], errs[i] = l.Prefix(), err
		}()
	}
	wg.Wait()
	for i := range orchestrators {
		if errs[i] != nil {
			t.Fatalf("GetLayout on orchestrator #%d: %v", i, errs[i])
		}
	}
	if prefixes[0] != prefixes[1] {
		t.Errorf("orchestrators returned different installs %s and %s", prefixes[0], prefixes[1])
	}
	if got := src.count(t, "configure"); got != 1 {
		t.Errorf("configure ran %d times; want 1", got)
	}
	installs, err := filepath.Glob(filepath.Join(cache.Dir(), "install-*"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{prefixes[0]}, installs); diff != "" {
		t.Errorf("install directories (-want +got):\n%s", diff)
	}
}

func TestGetLayoutInterruptedNotRemembered(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	src := newFakeSource(t)
	opts := src.options()
	opts.NegativeCache = new(NegativeCache)
	o := NewOrchestrator(src.dir, openCache(ctx, t), opts)
	if _, err := o.SourceHash(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(src.hangMarker(), nil, 0o666); err != nil {
		t.Fatal(err)
	}
	shortCtx, cancelShort := context.WithTimeout(ctx, 300*time.Millisecond)
	_, err := o.GetLayout(shortCtx, nil, nil)
	cancelShort()
	if err == nil {
		t.Fatal("GetLayout with hanging configure succeeded")
	}
	if n := opts.NegativeCache.Len(); n != 0 {
		t.Errorf("NegativeCache.Len() = %d after interrupted build; want 0", n)
	}

	if err := os.Remove(src.hangMarker()); err != nil {
		t.Fatal(err)
	}
	if _, err := o.GetLayout(ctx, nil, nil); err != nil {
		t.Errorf("GetLayout after interrupted build: %v", err)
	}
	if got := src.count(t, "configure"); got != 2 {
		t.Errorf("configure ran %d times; want 2", got)
	}
}

func TestGetLayoutConfigureFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	src := newFakeSource(t)
	cache := openCache(ctx, t)
	opts := src.options()
	opts.NegativeCache = new(NegativeCache)
	o := NewOrchestrator(src.dir, cache, opts)

	configure := Configure{"fail-configure": nil}
	_, err := o.GetLayout(ctx, configure, nil)
	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("GetLayout(...) = %v; want *BuildError", err)
	}
	if buildErr.Stage != StageConfigure || buildErr.ExitCode != 1 {
		t.Errorf("BuildError stage, exit code = %s, %d; want %s, 1", buildErr.Stage, buildErr.ExitCode, StageConfigure)
	}
	if !strings.Contains(buildErr.Stderr, "unsupported option") {
		t.Errorf("BuildError.Stderr = %q; want to contain %q", buildErr.Stderr, "unsupported option")
	}
	if got := src.count(t, "make"); got != 0 {
		t.Errorf("make ran %d times after configure failed; want 0", got)
	}

	// The failure is remembered, including by orchestrators sharing the negative cache.
	o2 := NewOrchestrator(src.dir, cache, opts)
	for _, o := range []*Orchestrator{o, o2} {
		_, err2 := o.GetLayout(ctx, configure, nil)
		if err2 != err {
			t.Errorf("repeated GetLayout(...) = %v; want %v", err2, err)
		}
	}
	if got := src.count(t, "configure"); got != 1 {
		t.Errorf("configure ran %d times; want 1", got)
	}
	if cache.Len() != 0 {
		t.Errorf("cache.Len() = %d after failed build; want 0", cache.Len())
	}
}

func TestGetLayoutInstallFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	src := newFakeSource(t)
	cache := openCache(ctx, t)
	o := NewOrchestrator(src.dir, cache, src.options())

	_, err := o.GetLayout(ctx, Configure{"fail-install": nil}, nil)
	var buildErr *BuildError
	if !errors.As(err, &buildErr) || buildErr.Stage != StageInstall || buildErr.ExitCode != 2 {
		t.Fatalf("GetLayout(...) = %v; want install stage failure with exit code 2", err)
	}
	matches, err := filepath.Glob(filepath.Join(cache.Dir(), "install-*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) > 0 {
		t.Errorf("partial install directories left behind: %q", matches)
	}
}

func TestGetLayoutHistory(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	src := newFakeSource(t)
	cache := openCache(ctx, t)
	history := buildlog.Open(filepath.Join(cache.Dir(), buildlog.FileName))
	defer history.Close()
	opts := src.options()
	opts.History = history
	o := NewOrchestrator(src.dir, cache, opts)

	if _, err := o.GetLayout(ctx, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.GetLayout(ctx, Configure{"fail-configure": nil}, nil); err == nil {
		t.Fatal("GetLayout with failing configure succeeded")
	}

	attempts, err := history.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	type summary struct {
		Status   buildlog.Status
		Stage    string
		ExitCode int
	}
	var got []summary
	for _, a := range attempts {
		if a.SourceHash != fakeSourceHash {
			t.Errorf("attempt %v source hash = %q; want %q", a.ID, a.SourceHash, fakeSourceHash)
		}
		got = append(got, summary{a.Status, a.Stage, a.ExitCode})
	}
	want := []summary{
		{buildlog.Fail, string(StageConfigure), 1},
		{buildlog.Success, "", 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
}

func TestGetEnvironment(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	src := newFakeSource(t)
	opts := src.options()
	opts.Environment = &environment.Options{Dir: t.TempDir()}
	o := NewOrchestrator(src.dir, openCache(ctx, t), opts)

	e1, err := o.GetEnvironment(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e1.Destroy(ctx)
	e2, err := o.GetEnvironment(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Destroy(ctx)

	if e1.Layout().Prefix() == e2.Layout().Prefix() {
		t.Errorf("environments share prefix %s", e1.Layout().Prefix())
	}
	if got := src.count(t, "configure"); got != 1 {
		t.Errorf("configure ran %d times; want 1", got)
	}
	for _, e := range []*environment.Environment{e1, e2} {
		if _, err := e.Records(); err != nil {
			t.Error(err)
		}
		cop, err := e.Layout().Join(layout.BinDir, "traffic_cop")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(cop); err != nil {
			t.Error(err)
		}
	}
}

func TestSourceHashMemoized(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	src := newFakeSource(t)
	o := NewOrchestrator(src.dir, nil, src.options())
	h1, err := o.SourceHash(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != fakeSourceHash {
		t.Errorf("SourceHash(ctx) = %q; want %q", h1, fakeSourceHash)
	}
	// Replacing git does not change the memoized value.
	if err := os.WriteFile(filepath.Join(src.tools, "git"), []byte("#!/bin/sh\necho other\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if h2, err := o.SourceHash(ctx); err != nil || h2 != h1 {
		t.Errorf("second SourceHash(ctx) = %q, %v; want %q, <nil>", h2, err, h1)
	}
}

func TestSourceHashError(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	opts := &Options{Git: []string{"/bin/sh", "-c", "echo 'fatal: not a git repository' >&2; exit 128", "git"}}
	o := NewOrchestrator(t.TempDir(), nil, opts)
	_, err := o.SourceHash(ctx)
	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("SourceHash(ctx) = _, %v; want *BuildError", err)
	}
	if buildErr.Stage != StageSourceHash || buildErr.ExitCode != 128 {
		t.Errorf("BuildError stage, exit code = %s, %d; want %s, 128", buildErr.Stage, buildErr.ExitCode, StageSourceHash)
	}
	if !strings.Contains(err.Error(), "not a git repository") {
		t.Errorf("SourceHash(ctx) error = %v; want to mention %q", err, "not a git repository")
	}
}

func ExampleConfigure_Args() {
	c := Configure{
		"with-openssl": Value("/usr"),
		"enable-debug": nil,
	}
	fmt.Println(c.Args())
	// Output:
	// [--enable-debug --with-openssl=/usr]
}
