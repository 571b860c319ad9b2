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

// The mandarin command compiles a declarative TOML list of Gmail
// filters into the XML document accepted by Gmail's filter import.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/matta/mandarin/internal/configdir"
	"github.com/matta/mandarin/internal/homedir"
	"github.com/matta/mandarin/internal/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	flagHome    = flag.String("home", "", "base `directory` holding .mandarin (default $HOME)")
	flagVerbose = flag.Bool("v", false, "enable debug logging")
)

// usageError reports a command line that names no known command.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

// env carries everything a command needs from the process.
type env struct {
	dir    *configdir.Dir
	stdout io.Writer
	stderr io.Writer
	log    *zap.Logger
	now    func() time.Time
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, e *env, args []string) error
}

var commands = []command{
	{"init", "create a default configuration if none exists", cmdInit},
	{"path", "print the configuration file path", cmdPath},
	{"run", "print the filter import document", cmdRun},
	{"check", "validate configuration files without printing", cmdCheck},
	{"history", "list previously generated documents", cmdHistory},
}

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "Declarative TOML configuration for Gmail filters\n\n")
	fmt.Fprintf(w, "Usage:\n  mandarin [flags] <command> [options]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nFlags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(w, "\nUse 'mandarin <command> -h' for the options of a command.\n")
}

func dispatch(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return &usageError{"no command given"}
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		err := c.run(ctx, e, args[1:])
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	return &usageError{fmt.Sprintf("unknown command %q", args[0])}
}

// newFlagSet returns a flag set for a command that reports parse
// errors instead of exiting.
func newFlagSet(e *env, name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.Usage = func() {
		fmt.Fprintf(e.stderr, "Usage:\n  mandarin %s [options] %s\n\nOptions:\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

func run(ctx context.Context, log *zap.Logger) error {
	base := *flagHome
	if base == "" {
		var err error
		base, err = homedir.Get()
		if err != nil {
			return err
		}
	}
	e := &env{
		dir:    configdir.New(base),
		stdout: os.Stdout,
		stderr: os.Stderr,
		log:    log,
		now:    time.Now,
	}
	return dispatch(ctx, e, flag.Args())
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log, err := logger.New(*flagVerbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed: unable to initialize logging: %v\n", err)
		os.Exit(1)
	}

	err = run(context.Background(), log)
	var uerr *usageError
	if errors.As(err, &uerr) {
		log.Error(err.Error())
		usage()
		log.Sync()
		os.Exit(2)
	}
	if err != nil {
		log.Error("Failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Sync()
}
