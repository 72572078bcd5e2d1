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

// Package pidlock manages the optional --pidfile: an exclusively-locked
// file holding the supervisor's pid, used to refuse a second instance and
// to let outside tools (e.g. an init script) find the running supervisor.
//
// The lock is taken with gofrs/flock, a BSD flock(2) held on the open file
// description. It is acquired once, by the re-exec'd daemon child itself,
// after it has finished detaching — not donated across the re-exec, since
// a fresh open(2) in the child is simplest and the parent is gone by the
// time anything else could contend for it.
package pidlock

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gofrs/flock"
)

// Lock is a held, exclusive pid-file lock.
type Lock struct {
	fl   *flock.Flock
	path string
}

// Acquire opens path (creating it if necessary) and takes a non-blocking
// exclusive lock. A false locked value (with a nil error) means another
// instance already holds this pidfile.
func Acquire(path string) (lock *Lock, locked bool, err error) {
	fl := flock.New(path)
	locked, err = fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("locking pidfile %q: %w", path, err)
	}
	if !locked {
		return nil, false, nil
	}
	return &Lock{fl: fl, path: path}, true, nil
}

// WritePID (re)writes the locked file with pid as decimal text.
func (l *Lock) WritePID(pid int) error {
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("writing pidfile %q: %w", l.path, err)
	}
	return nil
}

// Release unlocks and removes the pidfile.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlocking pidfile %q: %w", l.path, err)
	}
	return os.Remove(l.path)
}
