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

package logger

import (
	"bytes"
	"testing"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestInitTagsEntriesWithIdent(t *testing.T) {
	log = logrus.NewEntry(newStderrLogger())
	var buf bytes.Buffer
	log.Logger.SetOutput(&buf)
	log.Logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	Init("rund[test]", false)
	Infof("hello %s", "world")

	require.Contains(t, buf.String(), `ident="rund[test]"`)
	require.Contains(t, buf.String(), "hello world")
}

func TestInitDebugRaisesLevel(t *testing.T) {
	log = logrus.NewEntry(newStderrLogger())
	var buf bytes.Buffer
	log.Logger.SetOutput(&buf)

	Init("rund[test]", true)
	require.Equal(t, logrus.DebugLevel, log.Logger.GetLevel())

	Debugf("debug visible now")
	require.Contains(t, buf.String(), "debug visible now")
}

func TestLevelToPriMapsEveryLevel(t *testing.T) {
	require.Equal(t, journal.PriEmerg, levelToPri(logrus.PanicLevel))
	require.Equal(t, journal.PriCrit, levelToPri(logrus.FatalLevel))
	require.Equal(t, journal.PriErr, levelToPri(logrus.ErrorLevel))
	require.Equal(t, journal.PriWarning, levelToPri(logrus.WarnLevel))
	require.Equal(t, journal.PriInfo, levelToPri(logrus.InfoLevel))
	require.Equal(t, journal.PriDebug, levelToPri(logrus.DebugLevel))
	require.Equal(t, journal.PriDebug, levelToPri(logrus.TraceLevel))
}

func TestJournalWriterUsesHookedPriority(t *testing.T) {
	log = logrus.NewEntry(newStderrLogger())
	log.Logger.AddHook(levelPriHook{})
	log.Logger.SetOutput(&bytes.Buffer{})

	Errorf("boom")
	require.Equal(t, journal.PriErr, currentPri, "an Errorf call must leave currentPri at PriErr, not the PriInfo default")

	Infof("back to normal")
	require.Equal(t, journal.PriInfo, currentPri)
}
