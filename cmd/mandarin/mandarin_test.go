// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"context"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matta/mandarin/internal/config"
	"github.com/matta/mandarin/internal/configdir"
	"github.com/matta/mandarin/internal/filter"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	env    *env
	stdout *bytes.Buffer
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	stdout := &bytes.Buffer{}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &harness{
		env: &env{
			dir:    configdir.New(t.TempDir()),
			stdout: stdout,
			stderr: &bytes.Buffer{},
			log:    zap.New(core),
			now: func() time.Time {
				clock = clock.Add(time.Minute)
				return clock
			},
		},
		stdout: stdout,
		logs:   logs,
	}
}

func (h *harness) run(args ...string) error {
	h.stdout.Reset()
	return dispatch(context.Background(), h.env, args)
}

func (h *harness) writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(h.env.dir.Root(), 0700))
	path := filepath.Join(h.env.dir.Root(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func countEntries(t *testing.T, doc string) int {
	t.Helper()
	var feed struct {
		Entries []struct{} `xml:"entry"`
	}
	require.NoError(t, xml.Unmarshal([]byte(doc), &feed))
	return len(feed.Entries)
}

func TestInitTwice(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run("init"))
	path := h.env.dir.ConfigPath()
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, configdir.Default, string(first))

	require.NoError(t, h.run("init"))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	assert.Equal(t, 1, h.logs.FilterMessage("created default configuration").Len())
	assert.Equal(t, 1, h.logs.FilterMessage("configuration already exists; left unchanged").Len())
}

func TestPath(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run("path"))
	want := filepath.Join(h.env.dir.Root(), configdir.ConfigName)
	assert.Equal(t, want+"\n", h.stdout.String())
}

func TestRunDefaultConfig(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run("init"))
	require.NoError(t, h.run("run"))

	out := h.stdout.String()
	assert.Equal(t, 3, countEntries(t, out))
	assert.Contains(t, out, "<apps:property name='to' value='(dammy@gmail.com)'/><apps:property name='label' value='000'/></entry>")
	assert.Contains(t, out, "<apps:property name='shouldArchive' value='true'/><apps:property name='shouldMarkAsRead' value='true'/>")
	assert.True(t, strings.HasSuffix(out, "</feed>\n"))
}

func TestRunIndent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run("init"))
	require.NoError(t, h.run("run", "-indent", "-no-history"))
	out := h.stdout.String()
	assert.Equal(t, 3, countEntries(t, out))
	assert.Contains(t, out, "\n        <apps:property name='label' value='100'/>\n")
}

func TestRunWithoutConfig(t *testing.T) {
	h := newHarness(t)
	err := h.run("run")
	assert.True(t, errors.Is(err, configdir.ErrNotFound), "got %v", err)
	assert.Empty(t, h.stdout.String())
}

func TestRunMalformedQuery(t *testing.T) {
	h := newHarness(t)
	h.writeConfig(t, configdir.ConfigName, "[[filter]]\nquery = \"to:me\"\n[[filter]]\nquery = \"oops\"\n")

	err := h.run("run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, filter.ErrMalformedQuery), "got %v", err)
	var perr *config.ParseError
	require.True(t, errors.As(err, &perr), "got %T", err)
	assert.Equal(t, 2, perr.Index)
	assert.Empty(t, h.stdout.String())
}

func TestRunExplicitYAMLConfig(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "filters.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filter:\n  - query: \"from:boss\"\n    read: false\n"), 0600))

	require.NoError(t, h.run("run", "-config", path))
	out := h.stdout.String()
	assert.Equal(t, 1, countEntries(t, out))
	assert.Contains(t, out, "<apps:property name='from' value='boss'/><apps:property name='shouldMarkAsRead' value='false'/>")

	// The configuration directory was never created, so there is
	// nowhere to record history.
	_, err := os.Stat(h.env.dir.HistoryPath())
	assert.True(t, os.IsNotExist(err))
}

func TestRunWarnsAboutUnknownKeys(t *testing.T) {
	h := newHarness(t)
	h.writeConfig(t, configdir.ConfigName, "[[filter]]\nquery = \"to:me\"\nachive = true\n")
	require.NoError(t, h.run("run", "-no-history"))

	warnings := h.logs.FilterMessage("ignoring unknown configuration key").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "filter.achive", warnings[0].ContextMap()["key"])
}

func TestRunRecordsHistory(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run("init"))
	require.NoError(t, h.run("run"))
	assert.Equal(t, 0, h.logs.FilterMessage("document unchanged since the previous run").Len())
	require.NoError(t, h.run("run"))
	assert.Equal(t, 1, h.logs.FilterMessage("document unchanged since the previous run").Len())

	h.writeConfig(t, configdir.ConfigName, "[[filter]]\nquery = \"to:me\"\n")
	require.NoError(t, h.run("run"))

	require.NoError(t, h.run("history"))
	lines := strings.Split(strings.TrimSpace(h.stdout.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "3\t"), lines[0])
	assert.Contains(t, lines[0], "\t1 filters\t")
	assert.Contains(t, lines[2], "\t3 filters\t")

	require.NoError(t, h.run("history", "-n", "1"))
	assert.Equal(t, 1, strings.Count(h.stdout.String(), "\n"))
}

func TestRunNoHistory(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run("init"))
	require.NoError(t, h.run("run", "-no-history"))
	_, err := os.Stat(h.env.dir.HistoryPath())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, h.run("history"))
	assert.Empty(t, h.stdout.String())
}

func TestCheck(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0600))
		return p
	}
	good := write("good.toml", "[[filter]]\nquery = \"to:me\"\n[[filter]]\nquery = \"from:you\"\n")
	bad := write("bad.toml", "[[filter]]\nquery = \"nope\"\n")
	missing := filepath.Join(dir, "missing.toml")

	err := h.run("check", good, bad, missing)
	require.Error(t, err)
	errs := multierr.Errors(errors.Cause(err))
	require.Len(t, errs, 2)
	assert.True(t, errors.Is(errs[0], filter.ErrMalformedQuery), "got %v", errs[0])
	assert.True(t, errors.Is(errs[1], configdir.ErrNotFound), "got %v", errs[1])
	assert.Equal(t, good+": ok (2 filters)\n", h.stdout.String())

	require.NoError(t, h.run("check", good))
}

func TestCheckReportsEveryInvalidFile(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	var paths []string
	for name, content := range map[string]string{
		"a.yaml": "filter:\n  - query: \"to:me\"\n    label: 5\n",
		"b.yml":  "filter:\n  - query: 123\n",
		"c.toml": "[[filter]]\nquery = \"to:me\"\nlabel = \"bell\\u0007\"\n",
	} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0600))
		paths = append(paths, p)
	}

	err := h.run(append([]string{"check"}, paths...)...)
	require.Error(t, err)
	errs := multierr.Errors(errors.Cause(err))
	require.Len(t, errs, 3)
	for _, err := range errs {
		var perr *config.ParseError
		require.True(t, errors.As(err, &perr), "got %T %v", err, err)
		assert.Equal(t, 1, perr.Index)
		assert.False(t, errors.Is(err, filter.ErrMalformedQuery), "got %v", err)
	}
	assert.Empty(t, h.stdout.String())
	assert.Equal(t, 3, h.logs.FilterMessage("invalid configuration").Len())
}

func TestCheckDefaultConfig(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run("init"))
	require.NoError(t, h.run("check"))
	assert.Equal(t, h.env.dir.ConfigPath()+": ok (3 filters)\n", h.stdout.String())
}

func TestDispatchUsage(t *testing.T) {
	h := newHarness(t)
	var uerr *usageError
	assert.True(t, errors.As(h.run(), &uerr))
	assert.True(t, errors.As(h.run("compile"), &uerr))
	assert.NoError(t, h.run("run", "-h"))
	assert.Error(t, h.run("run", "-bogus"))
}
