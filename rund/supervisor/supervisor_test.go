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

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxrun/rund/rund/config"
	"github.com/oxrun/rund/rund/respawn"
	"github.com/oxrun/rund/rund/shutdown"
)

func requireShell(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping end-to-end supervisor test in -short mode")
	}
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no /bin/sh-compatible shell available")
	}
	return path
}

func TestSupervisorRunsTargetToCompletion(t *testing.T) {
	sh := requireShell(t)

	opt := config.Options{
		Target:     sh,
		TargetArgv: []string{sh, "-c", "exit 0"},
	}
	w := shutdown.NewWatcher()
	defer w.Stop()

	sup := New(opt, w)
	code, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

func TestSupervisorPropagatesExitCode(t *testing.T) {
	sh := requireShell(t)

	opt := config.Options{
		Target:     sh,
		TargetArgv: []string{sh, "-c", "exit 7"},
	}
	w := shutdown.NewWatcher()
	defer w.Stop()

	sup := New(opt, w)
	code, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, code)
}

func TestSupervisorRespawnsOnMatchingCode(t *testing.T) {
	sh := requireShell(t)
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	require.NoError(t, os.WriteFile(counter, []byte("0"), 0644))

	script := `n=$(cat ` + counter + `); n=$((n+1)); echo $n > ` + counter + `; if [ $n -lt 3 ]; then exit 5; fi; exit 0`

	var bits respawn.Bitset
	bits.Set(5)

	opt := config.Options{
		Target:          sh,
		TargetArgv:      []string{sh, "-c", script},
		Respawn:         true,
		RespawnCodeBits: bits,
		RespawnDelay:    10 * time.Millisecond,
		MaxRespawnCnt:   5,
	}
	w := shutdown.NewWatcher()
	defer w.Stop()

	sup := New(opt, w)
	code, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, code)

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	require.Equal(t, "3\n", string(data))
}

func TestSupervisorStopsAfterMaxRespawns(t *testing.T) {
	sh := requireShell(t)

	var bits respawn.Bitset
	bits.Set(9)

	opt := config.Options{
		Target:          sh,
		TargetArgv:      []string{sh, "-c", "exit 9"},
		Respawn:         true,
		RespawnCodeBits: bits,
		RespawnDelay:    time.Millisecond,
		MaxRespawnCnt:   2,
	}
	w := shutdown.NewWatcher()
	defer w.Stop()

	sup := New(opt, w)
	code, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9, code)
}

func TestSupervisorRespawnsOnSignalDeathDespiteEmptyBitset(t *testing.T) {
	sh := requireShell(t)
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	require.NoError(t, os.WriteFile(counter, []byte("0"), 0644))

	// First run kills itself with SIGKILL; second run exits cleanly. The
	// respawn-code bitset is left at its zero value (no bits set at all),
	// so a bitset-only decision would never respawn this death.
	script := `n=$(cat ` + counter + `); n=$((n+1)); echo $n > ` + counter + `; if [ $n -lt 2 ]; then kill -9 $$; fi; exit 0`

	opt := config.Options{
		Target:          sh,
		TargetArgv:      []string{sh, "-c", script},
		Respawn:         true,
		RespawnCodeBits: respawn.Bitset{},
		RespawnDelay:    10 * time.Millisecond,
		MaxRespawnCnt:   5,
	}
	w := shutdown.NewWatcher()
	defer w.Stop()

	sup := New(opt, w)
	code, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, code)

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	require.Equal(t, "2\n", string(data))
}

func TestSupervisorShutdownSignalStopsRespawnLoop(t *testing.T) {
	sh := requireShell(t)

	bits := respawn.DefaultMask()
	opt := config.Options{
		Target:          sh,
		TargetArgv:      []string{sh, "-c", "sleep 5"},
		Respawn:         true,
		RespawnCodeBits: bits,
		RespawnDelay:    time.Millisecond,
	}
	w := shutdown.NewWatcher()
	defer w.Stop()

	sup := New(opt, w)

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop within the grace period after a shutdown signal")
	}
}
