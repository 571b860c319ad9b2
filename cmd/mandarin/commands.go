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
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/matta/mandarin/internal/config"
	"github.com/matta/mandarin/internal/configdir"
	"github.com/matta/mandarin/internal/feed"
	"github.com/matta/mandarin/internal/persist"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func cmdInit(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "init", "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, created, err := e.dir.Init()
	if err != nil {
		return errors.Wrap(err, "unable to initialize the configuration")
	}
	if created {
		e.log.Info("created default configuration", zap.String("path", path))
	} else {
		e.log.Info("configuration already exists; left unchanged", zap.String("path", path))
	}
	return nil
}

func cmdPath(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "path", "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, err := fmt.Fprintln(e.stdout, e.dir.ConfigPath())
	return err
}

func cmdRun(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "run", "")
	indent := fs.Bool("indent", false, "place each entry and property on its own line")
	configPath := fs.String("config", "", "read this configuration `file` instead of the default")
	noHistory := fs.Bool("no-history", false, "do not record the run in the history database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *configPath
	if path == "" {
		path = e.dir.ConfigPath()
	}
	doc, rules, err := compileFile(e, path, *indent)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(e.stdout, doc); err != nil {
		return errors.Wrap(err, "unable to write the document")
	}

	if *noHistory {
		return nil
	}
	if err := recordRun(ctx, e, path, rules, doc); err != nil {
		e.log.Warn("unable to record the run in history", zap.Error(err))
	}
	return nil
}

// compileFile reads, parses and compiles one configuration file and
// returns the document and its number of filters.
func compileFile(e *env, path string, indent bool) (string, int, error) {
	raw, err := configdir.Read(path)
	if err != nil {
		return "", 0, err
	}
	cfg, err := config.ParseFile(path, raw)
	if err != nil {
		return "", 0, errors.Wrap(err, path)
	}
	for _, key := range cfg.Unknown {
		e.log.Warn("ignoring unknown configuration key",
			zap.String("path", path), zap.String("key", key))
	}

	compile := feed.Compile
	if indent {
		compile = feed.CompileIndent
	}
	doc, err := compile(cfg.Filters)
	if err != nil {
		return "", 0, errors.Wrap(err, path)
	}
	e.log.Debug("compiled configuration",
		zap.String("path", path), zap.Int("filters", len(cfg.Filters)))
	return doc, len(cfg.Filters), nil
}

func recordRun(ctx context.Context, e *env, path string, rules int, doc string) error {
	if _, err := os.Stat(e.dir.Root()); os.IsNotExist(err) {
		e.log.Debug("no configuration directory; history not recorded",
			zap.String("dir", e.dir.Root()))
		return nil
	}

	db, err := persist.Open(ctx, e.dir.HistoryPath(), e.log)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	digest := persist.Digest(doc)
	prev, err := tx.LatestRun(ctx)
	if err != nil {
		return err
	}
	if prev != nil && prev.Digest == digest {
		e.log.Info("document unchanged since the previous run",
			zap.Time("previous", prev.GeneratedAt))
	}

	id, err := tx.InsertRun(ctx, persist.Run{
		GeneratedAt: e.now(),
		ConfigPath:  path,
		Rules:       rules,
		Digest:      digest,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "transaction commit failed")
	}
	e.log.Debug("recorded run", zap.Int64("id", id), zap.String("digest", digest))
	return nil
}

func cmdCheck(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "check", "[file ...]")
	if err := fs.Parse(args); err != nil {
		return err
	}
	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{e.dir.ConfigPath()}
	}

	counts := make([]int, len(paths))
	errs := make([]error, len(paths))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			_, counts[i], errs[i] = compileFile(e, path, false)
			return nil
		})
	}
	// Every goroutine keeps its failure in errs and returns nil so
	// that one bad file does not hide the others.
	_ = g.Wait()

	var result error
	for i, path := range paths {
		if errs[i] != nil {
			e.log.Error("invalid configuration", zap.String("path", path), zap.Error(errs[i]))
			result = multierr.Append(result, errs[i])
			continue
		}
		fmt.Fprintf(e.stdout, "%s: ok (%d filters)\n", path, counts[i])
	}
	if n := len(multierr.Errors(result)); n > 0 {
		return errors.Wrapf(result, "%d of %d configuration files are invalid", n, len(paths))
	}
	return nil
}

func cmdHistory(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "history", "")
	limit := fs.Int("n", 10, "show at most `count` runs; 0 shows all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(e.dir.HistoryPath()); os.IsNotExist(err) {
		e.log.Info("no runs recorded yet", zap.String("path", e.dir.HistoryPath()))
		return nil
	}

	db, err := persist.Open(ctx, e.dir.HistoryPath(), e.log)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	return tx.ListRuns(ctx, *limit, func(r persist.Run) error {
		_, err := fmt.Fprintf(e.stdout, "%d\t%s\t%d filters\t%.12s\t%s\n",
			r.ID, r.GeneratedAt.Format(time.RFC3339), r.Rules, r.Digest, r.ConfigPath)
		return err
	})
}
