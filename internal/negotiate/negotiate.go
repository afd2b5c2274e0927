// Package negotiate tests the control connection and queries the
// remote virt-v2v tool for its version and supported drivers, the Go
// port of original_source/ssh.c's test_connection (spec.md §4.D).
package negotiate

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/virt-p2v/internal/config"
	"github.com/coreos/virt-p2v/internal/perrors"
	"github.com/coreos/virt-p2v/internal/plog"
	"github.com/coreos/virt-p2v/internal/sshexpect"
)

var plogger = plog.New("negotiate")

const expectTimeout = 60 * time.Second

const (
	idVersion = iota + 100
	idSudoPassword
	idPrompt
	idLibguestfsRewrite
	idColoursOption
	idInputDriver
	idOutputDriver
)

var (
	versionRe           = regexp.MustCompile(`virt-v2v ([1-9].*)`)
	libguestfsRewriteRe = regexp.MustCompile(`libguestfs-rewrite`)
	coloursOptionRe     = regexp.MustCompile(`colours-option`)
	inputDriverRe       = regexp.MustCompile(`input:([-\w]+)`)
	outputDriverRe      = regexp.MustCompile(`output:([-\w]+)`)
	promptRe            = regexp.MustCompile(`###([0-9a-z]{8})### `)
)

// excludedOutputDrivers mirrors add_output_driver's exclusion list:
// these drivers need options the conversion orchestrator never passes.
var excludedOutputDrivers = map[string]bool{
	"vdsm":       true,
	"openstack":  true,
	"rhv-upload": true,
}

// Capabilities is everything learned about the remote virt-v2v during
// a single test connection.
type Capabilities struct {
	Version           string
	ColoursOption     bool
	LibguestfsRewrite bool
	InputDrivers      []string
	OutputDrivers     []string
}

// TestConnection opens a synchronized ssh session to cfg.Server, runs
// "virt-v2v --version" and "virt-v2v --machine-readable", and reports
// what it found. The session is closed before returning, successful or
// not — this is a throwaway probe, not the control connection used for
// the conversion itself (spec.md §4.D).
func TestConnection(cfg *config.Config) (*Capabilities, error) {
	s, err := sshexpect.StartSSH(cfg, nil, true)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	caps := &Capabilities{}

	if err := queryVersion(s, cfg, caps); err != nil {
		return nil, err
	}
	if err := checkVersionCompatible(caps.Version); err != nil {
		return nil, err
	}
	if err := queryFeatures(s, cfg, caps); err != nil {
		return nil, err
	}
	if !caps.LibguestfsRewrite {
		return nil, perrors.New(perrors.Protocol, `invalid output of "virt-v2v --machine-readable" command`)
	}

	if _, err := s.Write([]byte("exit\n")); err != nil {
		return nil, perrors.Wrap(perrors.Protocol, err, "close remote session")
	}
	if err := awaitClose(s); err != nil {
		return nil, err
	}

	return caps, nil
}

// awaitClose waits for the remote shell to hang up after "exit" and
// checks how it went: a hang-up is the expected outcome and benign,
// same as an ssh killed by signal; an exit with a nonzero status and
// no signal means something went wrong tearing down the remote shell.
func awaitClose(s *sshexpect.Session) error {
	if _, _, err := s.Expect(nil, expectTimeout); err != sshexpect.ErrEOF {
		// No clean end-of-stream within the timeout; the deferred
		// Close() tears the session down. Nothing more to check.
		return nil
	}

	code, err := s.ExitStatus()
	if err != nil {
		return perrors.Wrap(perrors.Protocol, err, "close remote session")
	}
	if code != 0 && !s.Signaled() {
		return perrors.New(perrors.Protocol, "remote session exited with status %d closing down", code)
	}
	return nil
}

func sudoPrefix(cfg *config.Config) string {
	if cfg.Sudo {
		return "sudo -n "
	}
	return ""
}

func queryVersion(s *sshexpect.Session, cfg *config.Config, caps *Capabilities) error {
	cmd := sudoPrefix(cfg) + "virt-v2v --version\n"
	if _, err := s.Write([]byte(cmd)); err != nil {
		return perrors.Wrap(perrors.Protocol, err, `send "virt-v2v --version"`)
	}

	patterns := []sshexpect.Pattern{
		{idVersion, versionRe},
		{idSudoPassword, sshexpect.SudoPasswordPattern.Re},
		{idPrompt, promptRe},
	}

	for {
		id, groups, err := s.Expect(patterns, expectTimeout)
		switch {
		case err == sshexpect.ErrEOF:
			return perrors.New(perrors.Protocol, `remote server closed the connection unexpectedly, waiting for: "virt-v2v --version" output`)
		case err == sshexpect.ErrTimeout:
			return perrors.New(perrors.Protocol, `remote server timed out unexpectedly, waiting for: "virt-v2v --version" output`)
		case err != nil:
			return err
		case id == idVersion:
			caps.Version = groups[1]
		case id == idSudoPassword:
			return perrors.New(perrors.Configuration,
				"sudo for user %q requires a password; edit /etc/sudoers on the conversion server to set NOPASSWD for this user", cfg.Username)
		case id == idPrompt:
			if caps.Version == "" {
				return perrors.New(perrors.RemoteFailure, "virt-v2v is not installed on the conversion server, or it might be a too old version")
			}
			return nil
		}
	}
}

// checkVersionCompatible implements original_source/ssh.c's
// compatible_version: major version must be 1 or 2, and 1.x must be
// >= 1.28 (spec.md §8's literal version-compatibility test cases).
func checkVersionCompatible(version string) error {
	major, minor, ok := parseMajorMinorPrefix(version)
	if !ok || (major != 1 && major != 2) {
		return perrors.New(perrors.RemoteFailure,
			"virt-v2v major version is neither 1 nor 2 (%q), this version is not compatible", version)
	}
	if major == 1 && minor < 28 {
		return perrors.New(perrors.RemoteFailure,
			"virt-v2v version is < 1.28 (%q), you must upgrade virt-v2v on the conversion server", version)
	}
	return nil
}

func parseMajorMinorPrefix(s string) (major, minor int, ok bool) {
	fields := strings.SplitN(s, ".", 3)
	if len(fields) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, false
	}
	minorField := fields[1]
	for i, r := range minorField {
		if r < '0' || r > '9' {
			minorField = minorField[:i]
			break
		}
	}
	minor, err = strconv.Atoi(minorField)
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

func queryFeatures(s *sshexpect.Session, cfg *config.Config, caps *Capabilities) error {
	cmd := sudoPrefix(cfg) + "virt-v2v --machine-readable\n"
	if _, err := s.Write([]byte(cmd)); err != nil {
		return perrors.Wrap(perrors.Protocol, err, `send "virt-v2v --machine-readable"`)
	}

	patterns := []sshexpect.Pattern{
		{idLibguestfsRewrite, libguestfsRewriteRe},
		{idColoursOption, coloursOptionRe},
		{idInputDriver, inputDriverRe},
		{idOutputDriver, outputDriverRe},
		{idPrompt, promptRe},
	}

	for {
		id, groups, err := s.Expect(patterns, expectTimeout)
		switch {
		case err == sshexpect.ErrEOF:
			return perrors.New(perrors.Protocol, `remote server closed the connection unexpectedly, waiting for: "virt-v2v --machine-readable" output`)
		case err == sshexpect.ErrTimeout:
			return perrors.New(perrors.Protocol, `remote server timed out unexpectedly, waiting for: "virt-v2v --machine-readable" output`)
		case err != nil:
			return err
		case id == idLibguestfsRewrite:
			caps.LibguestfsRewrite = true
		case id == idColoursOption:
			caps.ColoursOption = true
		case id == idInputDriver:
			caps.InputDrivers = append(caps.InputDrivers, groups[1])
		case id == idOutputDriver:
			if !excludedOutputDrivers[groups[1]] {
				caps.OutputDrivers = append(caps.OutputDrivers, groups[1])
			}
		case id == idPrompt:
			plogger.Infof("remote virt-v2v %s: %d input drivers, %d output drivers, colours=%v",
				caps.Version, len(caps.InputDrivers), len(caps.OutputDrivers), caps.ColoursOption)
			return nil
		}
	}
}
