// Copyright The rund Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is rund's entrypoint: it parses arguments, daemonizes, and
// runs the supervisor loop.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/oxrun/rund/rund/config"
	"github.com/oxrun/rund/rund/daemonize"
	"github.com/oxrun/rund/rund/logger"
	"github.com/oxrun/rund/rund/pidlock"
	"github.com/oxrun/rund/rund/shutdown"
	"github.com/oxrun/rund/rund/supervisor"
	"github.com/oxrun/rund/rund/version"
)

// Main is rund's entrypoint, called directly from func main.
func Main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	opt, outcome, err := config.Parse(argv)
	switch outcome {
	case config.ExitSuccess:
		if err != nil {
			fmt.Fprint(os.Stdout, err.Error())
		} else {
			fmt.Fprintln(os.Stdout, "rund version", version.Version())
		}
		return 0
	case config.ExitFailure:
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ident := fmt.Sprintf("rund[%s]", baseName(opt.Target))
	logger.Init(ident, false)

	if daemonize.IsChild() {
		return runChild(opt, ident)
	}
	return runParent(opt)
}

// runParent does a quick up-front check that the pidfile isn't already
// held — so a doomed invocation fails in the foreground, where an operator
// will see it — then re-execs into the detached daemon. The check-then-
// daemonize sequence has a narrow race (two rund invocations started at
// the same instant could both pass it); the child re-checks for real
// immediately after detaching, which is the version that actually matters.
func runParent(opt config.Options) int {
	if opt.PidFile != "" {
		if probe, ok, err := pidlock.Acquire(opt.PidFile); err == nil && ok {
			probe.Release()
		} else if err == nil && !ok {
			logger.Errorf("another instance already holds %q", opt.PidFile)
			return 1
		}
	}

	logger.Infof("starting %s %v (pidfile=%q respawn=%v)", opt.Target, opt.TargetArgv[1:], opt.PidFile, opt.Respawn)

	pid, err := daemonize.Reexec()
	if err != nil {
		logger.Errorf("daemonizing: %v", err)
		return 1
	}
	logger.Infof("daemonized as pid %d", pid)
	return 0
}

// runChild is the re-exec'd daemon body: it finishes detaching, takes the
// pidfile lock for real and writes its own pid, switches logging to the
// journal, and runs the supervisor loop until the target (and respawn
// policy) are done.
func runChild(opt config.Options, ident string) int {
	var lock *pidlock.Lock
	if opt.PidFile != "" {
		l, ok, err := pidlock.Acquire(opt.PidFile)
		if err != nil {
			logger.Errorf("%v", err)
			return 1
		}
		if !ok {
			logger.Errorf("another instance already holds %q", opt.PidFile)
			return 1
		}
		if err := l.WritePID(os.Getpid()); err != nil {
			logger.Errorf("writing pidfile: %v", err)
			return 1
		}
		lock = l
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warnf("releasing pidfile: %v", err)
			}
		}()
	}

	if err := daemonize.FinishChildSetup(); err != nil {
		logger.Errorf("finishing daemon setup: %v", err)
		return 1
	}
	logger.EnableSyslog(ident)

	watcher := shutdown.NewWatcher()
	defer watcher.Stop()

	sup := supervisor.New(opt, watcher)
	code, err := sup.Run(context.Background())
	if err != nil {
		logger.Errorf("supervisor exited: %v", err)
		if code == 0 {
			return 1
		}
	}
	return code
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
