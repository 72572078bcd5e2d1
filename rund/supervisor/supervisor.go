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

// Package supervisor drives the SPAWNING/WATCHING/DECIDING/SHUTTING_DOWN
// state machine: it launches the target, waits for its exit, consults the
// respawn policy, and escalates SIGTERM to SIGKILL on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"github.com/oxrun/rund/rund/config"
	"github.com/oxrun/rund/rund/logger"
	"github.com/oxrun/rund/rund/shutdown"
)

// pollInterval is how often shutdownTarget checks whether the target has
// exited during the SIGTERM grace period.
const pollInterval = 200 * time.Millisecond

// gracePeriod is how long the supervisor waits after SIGTERM before
// escalating to SIGKILL.
const gracePeriod = 10 * time.Second

// syntheticStartFailureCode is the classification rund gives a target that
// failed to even start (credential resolution, exec itself): the reserved
// "exit 254" a real forked child would reach via _exit(254) after a failed
// execve(2), which Go's os/exec instead reports synchronously as a Start
// error in the parent.
const syntheticStartFailureCode = 254

// Supervisor owns one target's lifecycle.
type Supervisor struct {
	opt     config.Options
	watcher *shutdown.Watcher

	instance uuid.UUID
}

// New builds a Supervisor for opt, watched for shutdown via w.
func New(opt config.Options, w *shutdown.Watcher) *Supervisor {
	return &Supervisor{opt: opt, watcher: w, instance: uuid.New()}
}

// Run spawns the target and does not return until it has exited for good:
// either respawning is disabled, the respawn policy doesn't match the last
// exit, MaxRespawnCnt was hit, or a shutdown signal arrived. It returns the
// exit code rund itself should use.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	respawns := 0
	for {
		logger.Infof("spawning %s (instance %s, attempt %d)", s.opt.Target, s.instance, respawns+1)

		cmd, err := s.start()
		if err != nil {
			logger.Errorf("exec failed for %s: %v", s.opt.Target, err)
			if !s.shouldRespawn(syntheticStartFailureCode, false, respawns) {
				return syntheticStartFailureCode, err
			}
			respawns++
			if err := s.waitRespawnDelay(); err != nil {
				return 0, err
			}
			continue
		}

		notifyReady()

		code, signaled, werr := s.watch(cmd)
		if werr != nil && s.watcher.Requested() {
			return 0, nil
		}
		if werr != nil {
			return code, werr
		}

		logger.Infof("%s (instance %s) exited with code %d (signaled=%v)", s.opt.Target, s.instance, code, signaled)

		if s.watcher.Requested() {
			return code, nil
		}
		if !s.shouldRespawn(code, signaled, respawns) {
			return code, nil
		}
		respawns++
		if err := s.waitRespawnDelay(); err != nil {
			return 0, err
		}
	}
}

// shouldRespawn decides whether to relaunch after an exit. A death by
// signal (WIFSIGNALED) bypasses RespawnCodeBits entirely and respawns
// whenever --respawn is set: there is no per-signal bitset, only the
// exit-code one, so a crash or an external kill -9 must not be treated
// as "not in the mask" and silently left dead.
func (s *Supervisor) shouldRespawn(code int, signaled bool, respawnsSoFar int) bool {
	if !s.opt.Respawn {
		return false
	}
	if s.opt.MaxRespawnCnt > 0 && respawnsSoFar >= s.opt.MaxRespawnCnt {
		logger.Warnf("respawn cap (%d) reached for %s", s.opt.MaxRespawnCnt, s.opt.Target)
		return false
	}
	if signaled {
		return true
	}
	return s.opt.RespawnCodeBits.Test(code)
}

// waitRespawnDelay sleeps for RespawnDelay, but wakes early if a shutdown
// signal arrives mid-wait.
func (s *Supervisor) waitRespawnDelay() error {
	if s.opt.RespawnDelay <= 0 {
		return nil
	}
	t := time.NewTimer(s.opt.RespawnDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-s.watcher.C():
		return nil
	}
}

// start builds and launches the target process per the resolved Options:
// redirected stdio, working directory, environment, and (if --user was
// given) dropped credentials.
func (s *Supervisor) start() (*exec.Cmd, error) {
	cmd := exec.Command(s.opt.Target, s.opt.TargetArgv[1:]...)
	cmd.Env = buildEnv(s.opt)

	// working directory and stdio redirection are each "logged but
	// non-fatal": a vanished directory or an unwritable log path should
	// not stop the target from starting at all, just fall back to
	// rund's own inherited dir/stdio, same as if the flag had been
	// omitted.
	if s.opt.WorkingDir != "" {
		if _, err := os.Stat(s.opt.WorkingDir); err != nil {
			logger.Warnf("--chdir %q unavailable, leaving working directory unset: %v", s.opt.WorkingDir, err)
		} else {
			cmd.Dir = s.opt.WorkingDir
		}
	}

	cmd.Stdout = s.openOutputOrWarn("stdout", s.opt.StdoutPath, os.Stdout)
	cmd.Stderr = s.openOutputOrWarn("stderr", s.opt.StderrPath, os.Stderr)
	cmd.Stdin = nil

	sys := &syscall.SysProcAttr{Setsid: true}
	if s.opt.RunUser != "" {
		groups := make([]uint32, len(s.opt.Groups))
		for i, g := range s.opt.Groups {
			groups[i] = uint32(g)
		}
		sys.Credential = &syscall.Credential{
			Uid:    uint32(s.opt.UID),
			Gid:    uint32(s.opt.GID),
			Groups: groups,
		}
	}
	cmd.SysProcAttr = sys

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func buildEnv(opt config.Options) []string {
	env := os.Environ()
	if opt.RunUser != "" {
		env = append(env, "HOME="+opt.HomeDir, "USER="+opt.RunUser, "LOGNAME="+opt.RunUser)
	}
	return append(env, opt.Environments...)
}

// openOutputOrWarn opens path for append, or returns fallback (rund's own
// inherited stream) if path is empty or fails to open; a failure is
// logged, not propagated, so an unwritable log path never stops the
// target from starting.
func (s *Supervisor) openOutputOrWarn(which, path string, fallback *os.File) *os.File {
	if path == "" {
		return fallback
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.Warnf("opening --%s %q failed, falling back to inherited %s: %v", which, path, which, err)
		return fallback
	}
	return f
}

// watch waits, in a select on cmd.Wait's result and the shutdown channel,
// until cmd exits or a shutdown signal arrives. On shutdown it sends
// SIGTERM, waits up to gracePeriod (polled every pollInterval
// via cenkalti/backoff, same as the teacher's own waitForStopped), and
// escalates to SIGKILL if the process hasn't died by then.
func (s *Supervisor) watch(cmd *exec.Cmd) (code int, signaled bool, err error) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-s.watcher.C():
		waitErr = s.shutdownTarget(cmd, done)
	}

	if waitErr == nil {
		return 0, false, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal()), true, nil
			}
			return ws.ExitStatus(), false, nil
		}
	}
	return -1, false, waitErr
}

// shutdownTarget signals cmd with SIGTERM, waits for it to exit within
// gracePeriod, and SIGKILLs it if it hasn't. It returns whatever error
// value done eventually delivers (or nil, once resolved).
func (s *Supervisor) shutdownTarget(cmd *exec.Cmd, done <-chan error) error {
	logger.Infof("shutdown requested, sending SIGTERM to %s (pid %d)", s.opt.Target, cmd.Process.Pid)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(pollInterval), ctx)

	var waitErr error
	exited := false
	op := func() error {
		select {
		case waitErr = <-done:
			exited = true
			return nil
		default:
			return fmt.Errorf("target still running")
		}
	}
	_ = backoff.Retry(op, b)

	if !exited {
		logger.Warnf("%s (pid %d) did not exit within %s, sending SIGKILL", s.opt.Target, cmd.Process.Pid, gracePeriod)
		_ = cmd.Process.Signal(syscall.SIGKILL)
		waitErr = <-done
	}
	return waitErr
}

// notifyReady pings systemd with READY=1, if rund is running under a
// systemd unit with Type=notify. It is a no-op (and cheap) otherwise.
func notifyReady() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debugf("sd_notify readiness ping skipped: %v", err)
	}
}
