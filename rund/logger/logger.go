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

// Package logger configures rund's single process-wide log sink. Before
// daemonizing it writes to stderr; once daemonized it switches to the
// systemd journal, since the controlling terminal is gone by then.
package logger

import (
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/sirupsen/logrus"
)

// log is the package-level sink every other rund package logs through. It
// is an *Entry, not a bare *Logger, so Init can attach an "ident" field
// that sticks across every call made after it.
var log = logrus.NewEntry(newStderrLogger())

func newStderrLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Init sets the process-wide log level and tags every entry with ident
// (normally "rund[<target basename>]").
func Init(ident string, debug bool) {
	if debug {
		log.Logger.SetLevel(logrus.DebugLevel)
	}
	log = log.Logger.WithField("ident", ident)
}

var syslogOnce sync.Once

// EnableSyslog switches the sink from stderr to the systemd journal. It is
// idempotent and meant to be called once, by the daemon child after it has
// finished detaching (its stderr is /dev/null by then). If the journal socket is
// unreachable (no systemd on this host), logging silently stays on stderr.
func EnableSyslog(ident string) {
	syslogOnce.Do(func() {
		if !journal.Enabled() {
			return
		}
		log.Logger.AddHook(levelPriHook{})
		log.Logger.SetOutput(&journalWriter{ident: ident})
		log.Logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	})
}

// journalWriter adapts logrus's io.Writer-based output to the journal
// package's per-message Send call. A logrus Hook would see each entry
// before formatting, which is what lets this map the entry's actual level
// to a journal priority instead of flattening everything to one.
type journalWriter struct {
	ident string
}

func (w *journalWriter) Write(p []byte) (int, error) {
	if err := journal.Send(string(p), currentPri, map[string]string{
		"SYSLOG_IDENTIFIER": w.ident,
	}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// currentPri is set by the levelPriHook immediately before logrus formats
// and writes each entry, so journalWriter.Write can read back the priority
// that matches the entry it's about to send. logrus runs hooks and the
// output Write for one entry on the same goroutine, so there is no race.
var currentPri = journal.PriInfo

// levelPriHook keeps currentPri in sync with every entry's level so the
// journal gets the right priority: errors filterable with
// `journalctl -p err`, not everything flattened to PriInfo.
type levelPriHook struct{}

func (levelPriHook) Levels() []logrus.Level { return logrus.AllLevels }

func (levelPriHook) Fire(e *logrus.Entry) error {
	currentPri = levelToPri(e.Level)
	return nil
}

func levelToPri(l logrus.Level) journal.Priority {
	switch l {
	case logrus.PanicLevel:
		return journal.PriEmerg
	case logrus.FatalLevel:
		return journal.PriCrit
	case logrus.ErrorLevel:
		return journal.PriErr
	case logrus.WarnLevel:
		return journal.PriWarning
	case logrus.InfoLevel:
		return journal.PriInfo
	case logrus.DebugLevel, logrus.TraceLevel:
		return journal.PriDebug
	default:
		return journal.PriInfo
	}
}

func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
