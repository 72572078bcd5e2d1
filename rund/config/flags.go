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

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/oxrun/rund/rund/respawn"
)

// Outcome classifies what the caller should do after Parse returns, per
// spec.md §4.2: continue with Options populated, exit 0 (help/version), or
// exit non-zero (malformed input).
type Outcome int

const (
	// Continue means Options is populated and the supervisor should start.
	Continue Outcome = iota
	// ExitSuccess means help or version was requested; the caller should
	// print the help text carried in the returned error (or, when the error
	// is nil, the version) and exit 0.
	ExitSuccess
	// ExitFailure means argv was malformed; the caller should print the
	// diagnostic carried in the returned error and exit non-zero. Parse
	// itself writes nothing.
	ExitFailure
)

const usage = `Usage: rund [options] <target> [target-args...]

Options:
  -o, --stdout PATH        file to append the target's stdout to
  -e, --stderr PATH        file to append the target's stderr to
  -c, --chdir DIR          directory the target chdir's into
  -E, --env NAME=VALUE     add NAME=VALUE to the target's environment (repeatable)
  -p, --pidfile PATH       single-instance lock+pid file
  -r, --respawn            restart the target according to the respawn policy
      --respawn-code N     respawn on exit code N (repeatable; -1 means "all codes";
                            the first occurrence clears the default mask)
      --respawn-delay SEC  pause between death and respawn (default 3)
      --max-respawns N     cap on respawn attempts; 0 means unlimited
  -u, --user NAME          account to run the target as
  -h, --help               show this help and exit
  -V, --version            show the version and exit
`

// respawnCodeFlag implements pflag.Value for the repeatable --respawn-code
// flag. Per spec.md §4.5, the first occurrence clears the default mask
// before setting its own bit; later occurrences only OR in more bits.
type respawnCodeFlag struct {
	bits    *respawn.Bitset
	touched *bool
}

func (f respawnCodeFlag) String() string { return "" }

func (f respawnCodeFlag) Type() string { return "int" }

func (f respawnCodeFlag) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid --respawn-code %q: %w", s, err)
	}
	if n < -1 || n > 127 {
		return fmt.Errorf("--respawn-code %d out of range [-1, 127]", n)
	}
	if !*f.touched {
		f.bits.ClearAll()
		*f.touched = true
	}
	if n == -1 {
		f.bits.SetAll()
	} else {
		f.bits.Set(n)
	}
	return nil
}

// envFlag implements pflag.Value for the repeatable --env flag.
type envFlag struct {
	values *[]string
}

func (f envFlag) String() string { return "" }

func (f envFlag) Type() string { return "stringArray" }

func (f envFlag) Set(s string) error {
	name, _, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("invalid --env %q: want NAME=VALUE", s)
	}
	*f.values = append(*f.values, s)
	return nil
}

// Parse parses argv (normally os.Args[1:]) into Options. Parsing stops at
// the first non-option token so the target's own flags are never
// misinterpreted as rund's — pflag.FlagSet.SetInterspersed(false) below is
// what gives us that.
func Parse(argv []string) (Options, Outcome, error) {
	fs := flag.NewFlagSet("rund", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.Usage = func() {}
	var parseErrBuf strings.Builder
	fs.SetOutput(&parseErrBuf)

	var (
		stdoutPath   string
		stderrPath   string
		chdir        string
		envs         []string
		pidFile      string
		respawnOn    bool
		respawnDelay int
		maxRespawns  int
		runUser      string
		help         bool
		showVersion  bool
	)

	fs.StringVarP(&stdoutPath, "stdout", "o", "", "file to append the target's stdout to")
	fs.StringVarP(&stderrPath, "stderr", "e", "", "file to append the target's stderr to")
	fs.StringVarP(&chdir, "chdir", "c", "", "directory the target chdir's into")
	fs.VarP(envFlag{&envs}, "env", "E", "add NAME=VALUE to the target's environment (repeatable)")
	fs.StringVarP(&pidFile, "pidfile", "p", "", "single-instance lock+pid file")
	fs.BoolVarP(&respawnOn, "respawn", "r", false, "restart the target according to the respawn policy")
	fs.IntVar(&respawnDelay, "respawn-delay", 3, "pause between death and respawn, in seconds")
	fs.IntVar(&maxRespawns, "max-respawns", 0, "cap on respawn attempts; 0 means unlimited")
	fs.StringVarP(&runUser, "user", "u", "", "account to run the target as")
	fs.BoolVarP(&help, "help", "h", false, "show this help and exit")
	fs.BoolVarP(&showVersion, "version", "V", false, "show the version and exit")

	bits := respawn.DefaultMask()
	touched := false
	fs.Var(respawnCodeFlag{&bits, &touched}, "respawn-code",
		`respawn on exit code N (repeatable; -1 means "all codes")`)

	if err := fs.Parse(argv); err != nil {
		return Options{}, ExitFailure, fmt.Errorf("%v\n%s", err, usage)
	}

	if help {
		return Options{}, ExitSuccess, fmt.Errorf("%s", usage)
	}
	if showVersion {
		return Options{}, ExitSuccess, nil
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return Options{}, ExitFailure, fmt.Errorf("missing target executable\n%s", usage)
	}

	opt := Options{
		StdoutPath:      stdoutPath,
		StderrPath:      stderrPath,
		WorkingDir:      chdir,
		RunUser:         runUser,
		Environments:    envs,
		PidFile:         pidFile,
		Respawn:         respawnOn,
		RespawnCodeBits: bits,
		RespawnDelay:    time.Duration(respawnDelay) * time.Second,
		MaxRespawnCnt:   maxRespawns,
		Target:          rest[0],
		TargetArgv:      rest,
	}

	if runUser != "" {
		home, uid, gid, groups, err := ResolveUser(runUser)
		if err != nil {
			return Options{}, ExitFailure, err
		}
		opt.HomeDir = home
		opt.UID = uid
		opt.GID = gid
		opt.Groups = groups
	}

	if err := opt.Validate(); err != nil {
		return Options{}, ExitFailure, err
	}

	return opt, Continue, nil
}

// Usage returns the full --help text.
func Usage() string { return usage }
