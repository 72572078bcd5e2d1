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

// Package daemonize detaches rund from its controlling terminal by
// re-executing itself with a marker environment variable. Go's runtime
// starts several OS threads before main ever runs, which makes a raw
// fork(2) (as a C supervisor would use) unsafe: only the forking thread
// survives into the child, while every other goroutine-carrying thread
// vanishes mid-step. Re-exec sidesteps that entirely by starting a brand
// new runtime in the child.
package daemonize

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// markerEnv is set to "1" in the re-exec'd child so Reexec can tell it
// apart from the original invocation.
const markerEnv = "_RUND_DAEMON"

// readyPipeFD is the ExtraFiles slot the child inherits the readiness pipe
// on, counted from 3 (0-2 are the redirected stdio descriptors).
const readyPipeFD = 3

// IsChild reports whether the current process is the re-exec'd daemon
// child, i.e. whether Reexec has already run in an ancestor.
func IsChild() bool {
	return os.Getenv(markerEnv) == "1"
}

// Reexec re-executes the running binary with the same argv, detached from
// the controlling terminal, with its stdin, stdout and stderr on /dev/null
// opened read-write. It blocks until the child signals it has finished its
// own setup (pidfile lock, umask, chdir) by writing one byte to the
// readiness pipe, then returns the child's pid.
// The parent should exit 0 immediately after Reexec returns.
func Reexec() (pid int, err error) {
	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolving own executable path: %w", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return 0, fmt.Errorf("resolving symlinks for %q: %w", self, err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("creating readiness pipe: %w", err)
	}
	defer r.Close()

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), markerEnv+"=1")
	cmd.ExtraFiles = []*os.File{w}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		w.Close()
		return 0, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devNull, devNull, devNull
	// Detach into its own session so no terminal signal reaches it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		w.Close()
		return 0, fmt.Errorf("starting daemon child: %w", err)
	}
	w.Close()

	// cmd.Process is released, not waited on: the child is now independent
	// of this short-lived parent, which exits as soon as it hears back.
	if err := cmd.Process.Release(); err != nil {
		return 0, fmt.Errorf("releasing daemon child: %w", err)
	}

	buf := make([]byte, 1)
	if _, err := r.Read(buf); err != nil {
		return 0, fmt.Errorf("waiting for daemon child readiness: %w", err)
	}
	return cmd.Process.Pid, nil
}

// FinishChildSetup is called by the re-exec'd child (IsChild() == true)
// after it has taken and written the pidfile (if any); its std streams are
// already on /dev/null, as Reexec started it.
// It detaches from any vestigial session leadership concerns by setting a
// permissive umask, chdir'ing to "/" so it never pins a mount point busy,
// and finally signals the waiting parent by writing to the inherited
// readiness pipe, then closes it. Signaling must be the last step: the
// parent exits as soon as it reads the byte.
func FinishChildSetup() error {
	unix.Umask(0)
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to /: %w", err)
	}
	pipe := os.NewFile(readyPipeFD, "rund-ready-pipe")
	if pipe == nil {
		return fmt.Errorf("readiness pipe fd %d missing in daemon child", readyPipeFD)
	}
	defer pipe.Close()
	if _, err := pipe.Write([]byte{1}); err != nil {
		return fmt.Errorf("signaling daemon readiness: %w", err)
	}
	return nil
}
