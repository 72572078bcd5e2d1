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

// Package shutdown turns SIGINT/SIGTERM into a channel-delivered,
// once-only signal the supervisor's poll loop can select on, plus an
// atomic flag code on a synchronous path (outside of a select, e.g. inside
// a backoff.Retry callback) can poll without a channel read.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Watcher delivers a one-shot shutdown request from SIGINT/SIGTERM.
type Watcher struct {
	requested atomic.Bool
	ch        chan struct{}
	once      sync.Once
	sigCh     chan os.Signal
}

// NewWatcher installs the signal handler and returns a Watcher. Call Stop
// when finished to restore default signal handling.
func NewWatcher() *Watcher {
	w := &Watcher{
		ch:    make(chan struct{}),
		sigCh: make(chan os.Signal, 2),
	}
	signal.Notify(w.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go w.run()
	return w
}

func (w *Watcher) run() {
	for range w.sigCh {
		w.trigger()
	}
}

func (w *Watcher) trigger() {
	w.requested.Store(true)
	w.once.Do(func() { close(w.ch) })
}

// C returns a channel that is closed exactly once, the moment a shutdown
// signal first arrives. Safe to select on from multiple goroutines.
func (w *Watcher) C() <-chan struct{} {
	return w.ch
}

// Requested reports whether a shutdown signal has been seen, for
// synchronous call sites that cannot select on C.
func (w *Watcher) Requested() bool {
	return w.requested.Load()
}

// Stop stops delivering signals to this watcher. It does not close C: any
// goroutine already parked on C should instead check Requested again after
// Stop if it needs to distinguish "signaled" from "watcher torn down".
func (w *Watcher) Stop() {
	signal.Stop(w.sigCh)
	close(w.sigCh)
}
