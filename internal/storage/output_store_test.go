package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/devloop/internal/build"
)

func testLayout(t *testing.T) Layout {
	t.Helper()
	return Layout{
		Root:            t.TempDir(),
		SiteDir:         "site",
		PkgDir:          "pkg",
		BinDir:          "bin",
		FingerprintFile: ".fingerprints.json",
	}
}

func newStore(t *testing.T) *OutputStore {
	t.Helper()
	s, err := NewOutputStore(testLayout(t))
	require.NoError(t, err)
	return s
}

func writeSource(t *testing.T, dir, name, body string, perm os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
	require.NoError(t, os.WriteFile(p, []byte(body), perm))
	return p
}

func TestClassify(t *testing.T) {
	l := Layout{SiteDir: "site", PkgDir: "pkg", BinDir: "bin"}
	require.Equal(t, build.ServerBinary, l.Classify("bin/app"))
	require.Equal(t, build.Stylesheet, l.Classify("site/pkg/app.css"))
	require.Equal(t, build.ClientBundle, l.Classify("site/pkg/app.js"))
	require.Equal(t, build.ClientBundle, l.Classify("site/pkg/app_bg.wasm"))
	require.Equal(t, build.StaticAsset, l.Classify("site/favicon.ico"))
	require.Equal(t, build.StaticAsset, l.Classify("site/css/extra.css"))
}

func TestWriteIsIdempotent(t *testing.T) {
	s := newStore(t)

	d, err := s.Write("site/pkg/app.css", []byte("body{}"))
	require.NoError(t, err)
	require.Equal(t, Replaced, d.Kind)
	require.Equal(t, build.Stylesheet, d.Class)

	info1, err := os.Stat(s.Layout().Abs("site/pkg/app.css"))
	require.NoError(t, err)

	d, err = s.Write("site/pkg/app.css", []byte("body{}"))
	require.NoError(t, err)
	require.Equal(t, Unchanged, d.Kind)

	info2, err := os.Stat(s.Layout().Abs("site/pkg/app.css"))
	require.NoError(t, err)
	require.Equal(t, info1.ModTime(), info2.ModTime())
	require.True(t, os.SameFile(info1, info2), "file was not replaced")

	st := s.Stats()
	require.Equal(t, int64(1), st.Writes)
	require.Equal(t, int64(1), st.Unchanged)

	d, err = s.Write("site/pkg/app.css", []byte("body{color:red}"))
	require.NoError(t, err)
	require.Equal(t, Replaced, d.Kind)
}

func TestWriteFileKeepsExecBit(t *testing.T) {
	s := newStore(t)
	src := writeSource(t, t.TempDir(), "server", "#!/bin/sh\n", 0o755)

	d, err := s.WriteFile("bin/server", src)
	require.NoError(t, err)
	require.Equal(t, Replaced, d.Kind)
	require.Equal(t, build.ServerBinary, d.Class)

	info, err := os.Stat(s.Layout().Abs("bin/server"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestUnknownFileMatchingContentIsUnchanged(t *testing.T) {
	l := testLayout(t)
	writeSource(t, l.Root, "site/robots.txt", "User-agent: *\n", 0o644)

	s, err := NewOutputStore(l)
	require.NoError(t, err)
	d, err := s.Write("site/robots.txt", []byte("User-agent: *\n"))
	require.NoError(t, err)
	require.Equal(t, Unchanged, d.Kind)
	require.Zero(t, s.Stats().Writes)
}

func TestRemove(t *testing.T) {
	s := newStore(t)
	_, err := s.Write("site/img/logo.svg", []byte("<svg/>"))
	require.NoError(t, err)

	d, err := s.Remove("site/img/logo.svg")
	require.NoError(t, err)
	require.Equal(t, Removed, d.Kind)
	require.Equal(t, build.StaticAsset, d.Class)
	_, err = os.Stat(s.Layout().Abs("site/img"))
	require.True(t, os.IsNotExist(err), "empty parent pruned")

	d, err = s.Remove("site/img/logo.svg")
	require.NoError(t, err)
	require.Equal(t, Unchanged, d.Kind)
}

func TestRejectsEscapingAndReservedPaths(t *testing.T) {
	s := newStore(t)
	_, err := s.Write("../outside", []byte("x"))
	require.Error(t, err)
	_, err = s.Write(".fingerprints.json", []byte("x"))
	require.Error(t, err)
	_, err = s.Write(".staging/1/x", []byte("x"))
	require.Error(t, err)
}

func TestPromoteReportsChangedClasses(t *testing.T) {
	s := newStore(t)
	src := t.TempDir()
	css := writeSource(t, src, "app.css", "a{}", 0o644)
	js := writeSource(t, src, "app.js", "console.log(1)", 0o644)

	outputs := []build.Output{
		{Kind: build.Style, Artifacts: []build.Artifact{{Source: css, Dest: "site/pkg/app.css"}}},
		{Kind: build.Frontend, Artifacts: []build.Artifact{{Source: js, Dest: "site/pkg/app.js"}}},
	}
	report, err := s.Promote(outputs)
	require.NoError(t, err)
	require.Equal(t, build.NewClassSet(build.Stylesheet, build.ClientBundle), report.Changed)
	require.Equal(t, 2, report.Count(Replaced))

	// Rebuild with identical bytes, then with a stylesheet change only.
	report, err = s.Promote(outputs)
	require.NoError(t, err)
	require.True(t, report.Changed.IsEmpty())

	require.NoError(t, os.WriteFile(css, []byte("a{color:red}"), 0o644))
	report, err = s.Promote(outputs)
	require.NoError(t, err)
	require.True(t, report.Changed.OnlyStylesheet())
}

func TestPromoteMirrorSweepsTombstones(t *testing.T) {
	s := newStore(t)
	src := t.TempDir()
	a := writeSource(t, src, "a.txt", "a", 0o644)
	b := writeSource(t, src, "b.txt", "b", 0o644)

	// Files owned by other producers live inside the site dir too.
	_, err := s.Write("site/pkg/app.js", []byte("js"))
	require.NoError(t, err)

	mirror := func(arts ...build.Artifact) []build.Output {
		return []build.Output{{Kind: build.Assets, MirrorRoot: "site", Artifacts: arts}}
	}

	_, err = s.Promote(mirror(
		build.Artifact{Source: a, Dest: "site/a.txt"},
		build.Artifact{Source: b, Dest: "site/nested/b.txt"},
	))
	require.NoError(t, err)

	report, err := s.Promote(mirror(build.Artifact{Source: a, Dest: "site/a.txt"}))
	require.NoError(t, err)
	require.Equal(t, build.NewClassSet(build.StaticAsset), report.Changed)
	require.Equal(t, 1, report.Count(Removed))

	_, err = os.Stat(s.Layout().Abs("site/nested/b.txt"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.Layout().Abs("site/pkg/app.js"))
	require.NoError(t, err, "package dir is not swept by the asset mirror")
}

func TestPromoteContinuesPastFailedArtifact(t *testing.T) {
	s := newStore(t)
	good := writeSource(t, t.TempDir(), "ok.txt", "ok", 0o644)

	report, err := s.Promote([]build.Output{{Kind: build.Assets, Artifacts: []build.Artifact{
		{Source: filepath.Join(t.TempDir(), "missing"), Dest: "site/missing.txt"},
		{Source: good, Dest: "site/ok.txt"},
	}}})
	require.Error(t, err)
	require.Equal(t, []string{"site/missing.txt"}, report.Failed)
	require.Equal(t, 1, report.Count(Replaced))
}

func TestFingerprintsSurviveRestart(t *testing.T) {
	l := testLayout(t)
	s, err := NewOutputStore(l)
	require.NoError(t, err)
	_, err = s.Write("site/pkg/app.js", []byte("bundle"))
	require.NoError(t, err)
	require.NoError(t, s.SaveFingerprints())

	s2, err := NewOutputStore(l)
	require.NoError(t, err)
	fp, ok := s2.Fingerprint("site/pkg/app.js")
	require.True(t, ok)
	require.Equal(t, fingerprintBytes([]byte("bundle")), fp)

	d, err := s2.Write("site/pkg/app.js", []byte("bundle"))
	require.NoError(t, err)
	require.Equal(t, Unchanged, d.Kind)
}

func TestFingerprintSeedRejectsTouchedFiles(t *testing.T) {
	l := testLayout(t)
	s, err := NewOutputStore(l)
	require.NoError(t, err)
	_, err = s.Write("site/pkg/app.js", []byte("bundle"))
	require.NoError(t, err)
	require.NoError(t, s.SaveFingerprints())

	// Same size, different content, different mtime.
	abs := l.Abs("site/pkg/app.js")
	require.NoError(t, os.WriteFile(abs, []byte("BUNDLE"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(abs, future, future))

	s2, err := NewOutputStore(l)
	require.NoError(t, err)
	_, ok := s2.Fingerprint("site/pkg/app.js")
	require.False(t, ok)

	d, err := s2.Write("site/pkg/app.js", []byte("bundle"))
	require.NoError(t, err)
	require.Equal(t, Replaced, d.Kind)
}

func TestConcurrentReaderSeesWholeFiles(t *testing.T) {
	s := newStore(t)
	a := bytes.Repeat([]byte("a"), 64<<10)
	b := bytes.Repeat([]byte("b"), 64<<10)
	_, err := s.Write("site/pkg/app_bg.wasm", a)
	require.NoError(t, err)

	var (
		stop  atomic.Bool
		torn  atomic.Int64
		reads atomic.Int64
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		abs := s.Layout().Abs("site/pkg/app_bg.wasm")
		for !stop.Load() {
			data, rerr := os.ReadFile(abs)
			if rerr != nil {
				continue
			}
			reads.Add(1)
			if !bytes.Equal(data, a) && !bytes.Equal(data, b) {
				torn.Add(1)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		next := a
		if i%2 == 0 {
			next = b
		}
		_, err := s.Write("site/pkg/app_bg.wasm", next)
		require.NoError(t, err)
	}
	for reads.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	stop.Store(true)
	wg.Wait()

	require.Positive(t, reads.Load())
	require.Zero(t, torn.Load())
}
