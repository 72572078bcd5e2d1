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

// Package config holds the parsed, validated options rund runs with.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/oxrun/rund/rund/respawn"
)

// Options is the immutable configuration rund runs with, built once by
// Parse and read thereafter. It is passed by value: it is small, and a
// value communicates "nobody downstream may mutate this" better than a
// pointer a later maintainer might write through.
type Options struct {
	StdoutPath string // optional absolute path; empty means inherit /dev/null
	StderrPath string // same, for stderr
	WorkingDir string // optional absolute directory; empty means don't chdir

	RunUser string // optional account name
	HomeDir string // resolved home of RunUser; only meaningful if RunUser != ""
	UID     int    // resolved uid; only meaningful if RunUser != ""
	GID     int    // resolved gid; only meaningful if RunUser != ""
	Groups  []int  // resolved supplementary group ids; only meaningful if RunUser != ""

	Environments []string // "NAME=VALUE" additions, in order; later entries win

	PidFile string // optional absolute path to the lock+pid file

	Respawn         bool
	RespawnCodeBits respawn.Bitset
	RespawnDelay    time.Duration // default 3s
	MaxRespawnCnt   int           // 0 means unlimited

	Target     string   // absolute path to a regular, executable file
	TargetArgv []string // full argv for the child; TargetArgv[0] is conventionally Target's basename
}

// Validate checks invariants (a)-(d): respawn_code_bits is only meaningful
// when Respawn is set (not enforced here — it's simply ignored, per
// invariant (a)); Target must be an absolute, executable regular file; and
// WorkingDir / the parent directories of StdoutPath, StderrPath, and
// PidFile must exist and be searchable directories.
func (o Options) Validate() error {
	if err := validateTarget(o.Target); err != nil {
		return err
	}
	if o.WorkingDir != "" {
		if err := validateSearchableDir(o.WorkingDir); err != nil {
			return fmt.Errorf("--chdir: %w", err)
		}
	}
	if o.StdoutPath != "" {
		if err := validateSearchableDir(filepath.Dir(o.StdoutPath)); err != nil {
			return fmt.Errorf("--stdout: %w", err)
		}
	}
	if o.StderrPath != "" {
		if err := validateSearchableDir(filepath.Dir(o.StderrPath)); err != nil {
			return fmt.Errorf("--stderr: %w", err)
		}
	}
	if o.PidFile != "" {
		if err := validateSearchableDir(filepath.Dir(o.PidFile)); err != nil {
			return fmt.Errorf("--pidfile: %w", err)
		}
	}
	return nil
}

func validateTarget(path string) error {
	if path == "" {
		return fmt.Errorf("target executable is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("target %q must be an absolute path", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("target %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("target %q is not a regular file", path)
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("target %q is not executable", path)
	}
	return nil
}

func validateSearchableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%q is not a directory", dir)
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("directory %q is not searchable", dir)
	}
	return nil
}

// ResolveUser looks up name and fills in HomeDir/UID/GID/Groups. It is
// called once at parse time so a bad --user fails fast, before
// daemonizing.
func ResolveUser(name string) (homeDir string, uid, gid int, groups []int, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("resolving user %q: %w", name, err)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("user %q has non-numeric uid %q", name, u.Uid)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("user %q has non-numeric gid %q", name, u.Gid)
	}
	gidStrs, err := u.GroupIds()
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("resolving supplementary groups for %q: %w", name, err)
	}
	groups = make([]int, 0, len(gidStrs))
	for _, g := range gidStrs {
		gv, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		groups = append(groups, gv)
	}
	return u.HomeDir, uid, gid, groups, nil
}
