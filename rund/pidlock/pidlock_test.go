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

package pidlock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireWritePIDRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rund.pid")

	lock, ok, err := Acquire(path)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.WritePID(4242))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 4242, atoi(t, strings.TrimSpace(string(data))))

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestSecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rund.pid")

	first, ok, err := Acquire(path)
	require.NoError(t, err)
	require.True(t, ok)
	defer first.Release()

	_, ok, err = Acquire(path)
	require.NoError(t, err)
	require.False(t, ok, "a locked pidfile must refuse a second instance")
}

func TestReleaseThenReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rund.pid")

	first, ok, err := Acquire(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.Release())

	second, ok, err := Acquire(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, second.Release())
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}
