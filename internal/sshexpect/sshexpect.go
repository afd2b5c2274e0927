// Package sshexpect drives interactive ssh/scp subprocesses the way
// original_source/ssh.c drives them through miniexpect: a regex-driven
// expect loop over a pty-attached child, used both to authenticate and
// to synchronize with a known command prompt (spec.md §4.C).
package sshexpect

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"os"
	osexec "os/exec"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kr/pty"

	"github.com/coreos/virt-p2v/internal/config"
	"github.com/coreos/virt-p2v/internal/perrors"
	"github.com/coreos/virt-p2v/internal/plog"
	"github.com/coreos/virt-p2v/system/exec"
)

var plogger = plog.New("sshexpect")

// sshTimeout bounds ssh's own ConnectTimeout; the Expect timeout
// during authentication is kept a little larger so that a genuinely
// unresponsive server is reported by ssh itself rather than by us
// timing out first.
const sshTimeout = 60 * time.Second

// Pattern is one candidate regular expression in an Expect call. ID is
// returned to the caller on a match so callers can switch on outcomes
// without comparing compiled regexps.
type Pattern struct {
	ID int
	Re *regexp.Regexp
}

// Pattern IDs and compiled expressions shared with internal/negotiate,
// internal/dataconn, and internal/control, which build on these
// sessions with their own protocol-specific patterns (version string,
// feature flags, port-forward banner, sudo password prompt).
const (
	IDPassword = iota + 1
	IDSSHMessage
	IDSudoPassword
	idPrompt
)

var (
	PasswordPattern     = Pattern{IDPassword, regexp.MustCompile(`password:`)}
	SSHMessagePattern   = Pattern{IDSSHMessage, regexp.MustCompile(`ssh: (.*)`)}
	SudoPasswordPattern = Pattern{IDSudoPassword, regexp.MustCompile(`sudo: a password is required`)}
	promptPattern       = Pattern{idPrompt, regexp.MustCompile(`###([0-9a-z]{8})### `)}

	// PromptPattern is promptPattern, exported for internal/control,
	// which needs to wait on the same synchronized prompt after
	// sending commands that don't themselves produce other output.
	PromptPattern = promptPattern
)

// Session is one ssh or scp child process communicating over a pty.
type Session struct {
	cmd *exec.ExecCmd
	pty *os.File
	buf bytes.Buffer

	mu        sync.Mutex
	cancelled bool
}

// ErrEOF is returned by Expect when the child closed its end of the
// pty before any pattern matched (seen as io.EOF, or as EIO on a Linux
// pty master).
var ErrEOF = perrors.New(perrors.Protocol, "remote process closed the connection unexpectedly")

// ErrTimeout is returned by Expect when no pattern matched before the
// deadline.
var ErrTimeout = perrors.New(perrors.Protocol, "remote process timed out unexpectedly")

// authArgs returns the authentication-method arguments (password vs.
// identity file), fetching a remote identity URL first if needed.
func authArgs(cfg *config.Config) ([]string, error) {
	if err := cfg.Identity.CacheIdentity(); err != nil {
		return nil, err
	}

	if cfg.Identity.File == "" {
		return []string{"-o", "PreferredAuthentications=keyboard-interactive,password"}, nil
	}
	return []string{"-o", "PreferredAuthentications=publickey", "-i", cfg.Identity.File}, nil
}

func commonArgs() []string {
	return []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(sshTimeout/time.Second)),
	}
}

// StartSSH spawns an ssh subprocess to cfg.Server with the given extra
// arguments appended before the destination host, authenticates using
// password or identity-file auth, and, if waitPrompt is set,
// synchronizes with a freshly exec'd interactive bash whose PS1 is set
// to a private magic string.
func StartSSH(cfg *config.Config, extraArgs []string, waitPrompt bool) (*Session, error) {
	auth, err := authArgs(cfg)
	if err != nil {
		return nil, err
	}

	args := []string{"-p", strconv.Itoa(cfg.Port), "-l", nonEmpty(cfg.Username, "root")}
	args = append(args, commonArgs()...)
	args = append(args, "-o", "ServerAliveInterval=300", "-o", "ServerAliveCountMax=6")
	args = append(args, auth...)
	args = append(args, extraArgs...)
	args = append(args, cfg.Server)

	s, err := spawn("ssh", args)
	if err != nil {
		return nil, err
	}

	if cfg.Identity.File == "" && cfg.Password != "" {
		if err := s.waitAndSendPassword(cfg.Password); err != nil {
			s.Close()
			return nil, err
		}
	}

	if !waitPrompt {
		return s, nil
	}
	if err := s.syncPrompt(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// StartRaw spawns a raw-mode ssh session: extraArgs is expected to
// carry "-N" (no remote command, e.g. a data-connection port forward),
// so there is no interactive shell to synchronize a prompt with. Torn
// down with Hangup rather than a graceful exit (spec.md §4.E).
func StartRaw(cfg *config.Config, extraArgs []string) (*Session, error) {
	return StartSSH(cfg, extraArgs, false)
}

// StartSCP spawns scp to copy local files to target on cfg.Server and
// waits for it to exit, per original_source/ssh.c's scp_file.
func StartSCP(cfg *config.Config, target string, local []string) error {
	auth, err := authArgs(cfg)
	if err != nil {
		return err
	}

	args := []string{"-P", strconv.Itoa(cfg.Port)}
	args = append(args, commonArgs()...)
	args = append(args, auth...)
	args = append(args, local...)
	args = append(args, nonEmpty(cfg.Username, "root")+"@"+cfg.Server+":"+target)

	s, err := spawn("scp", args)
	if err != nil {
		return err
	}
	defer s.Close()

	if cfg.Identity.File == "" && cfg.Password != "" {
		if err := s.waitAndSendPassword(cfg.Password); err != nil {
			return err
		}
	}

	return s.waitExit()
}

func spawn(name string, args []string) (*Session, error) {
	cmd := exec.Command(name, args...)
	f, err := pty.Start(cmd.Cmd)
	if err != nil {
		return nil, perrors.Wrap(perrors.Environment, err, "start "+name)
	}
	plogger.Infof("spawned %s, pid %d", name, cmd.Pid())
	return &Session{cmd: cmd, pty: f}, nil
}

// waitAndSendPassword waits for either the password prompt or an ssh
// error banner, looping on ssh: messages the way start_ssh's
// wait_password_again label does, until the prompt appears or the
// child exits or times out.
func (s *Session) waitAndSendPassword(password string) error {
	var lastMessage string
	for {
		id, groups, err := s.Expect([]Pattern{PasswordPattern, SSHMessagePattern}, sshTimeout+20*time.Second)

		switch {
		case err == nil && id == IDPassword:
			return s.sendPassword(password)
		case err == nil && id == IDSSHMessage:
			lastMessage = groups[1]
			continue
		case err == ErrEOF:
			if lastMessage != "" {
				return perrors.New(perrors.NetworkAuth, "%s", lastMessage)
			}
			return perrors.New(perrors.NetworkAuth, "ssh closed the connection without printing an error")
		case err == ErrTimeout:
			return perrors.New(perrors.NetworkAuth, "timed out waiting for the password prompt")
		default:
			return err
		}
	}
}

func (s *Session) sendPassword(password string) error {
	if _, err := s.pty.WriteString(password + "\n"); err != nil {
		return perrors.Wrap(perrors.NetworkAuth, err, "send password")
	}
	return nil
}

// syncPrompt execs an interactive bash and repeatedly sets PS1 to a
// fresh random token until the echoed prompt, not its own command
// echo, matches — exactly original_source/ssh.c's synchronization
// loop, bounded to 30 attempts with a tight per-attempt timeout.
func (s *Session) syncPrompt() error {
	if _, err := s.pty.WriteString("exec bash --noediting --noprofile --norc\n"); err != nil {
		return perrors.Wrap(perrors.Protocol, err, "exec remote bash")
	}

	for attempt := 0; attempt < 30; attempt++ {
		magic, err := randomToken(8)
		if err != nil {
			return perrors.Wrap(perrors.Internal, err, "generate prompt token")
		}

		if _, err := s.pty.WriteString("export LANG=C PS1='###''" + magic + "''### '\n"); err != nil {
			return perrors.Wrap(perrors.Protocol, err, "set PS1")
		}

		matched, err := s.waitForOwnPrompt(magic)
		if err != nil {
			return err
		}
		if matched {
			return nil
		}
	}

	return perrors.New(perrors.Protocol, "failed to synchronize with remote shell after 60 seconds")
}

// waitForOwnPrompt repeatedly expects either a stray password prompt
// or a "###<token>### " banner, discarding banners that don't carry
// this attempt's magic token, until a timeout (not an error: ssh may
// still be delivering an earlier command) ends this attempt.
func (s *Session) waitForOwnPrompt(magic string) (bool, error) {
	for {
		id, groups, err := s.Expect([]Pattern{PasswordPattern, promptPattern}, 2*time.Second)

		switch {
		case err == ErrTimeout:
			return false, nil
		case err == ErrEOF:
			return false, perrors.New(perrors.Protocol, "remote server closed the connection unexpectedly, waiting for: the command prompt")
		case err != nil:
			return false, err
		case id == IDPassword:
			return false, perrors.New(perrors.NetworkAuth, "login failed: probably the username and/or password is wrong")
		case groups[1] != magic:
			continue // a stale, earlier prompt: keep waiting for ours
		default:
			return true, nil
		}
	}
}

func randomToken(n int) (string, error) {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf), nil
}

// Expect reads from the pty, matching the accumulated buffer against
// patterns after every read, until one matches, the child reaches EOF,
// or timeout elapses. On a match, the matched prefix (and everything
// before it) is discarded from the buffer, and groups holds the
// regexp's submatches as with (*regexp.Regexp).FindStringSubmatch.
func (s *Session) Expect(patterns []Pattern, timeout time.Duration) (int, []string, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 4096)

	for {
		for _, p := range patterns {
			if loc := p.Re.FindSubmatchIndex(s.buf.Bytes()); loc != nil {
				text := s.buf.Bytes()[:loc[1]]
				groups := make([]string, len(loc)/2)
				for i := range groups {
					if loc[2*i] < 0 {
						continue
					}
					groups[i] = string(text[loc[2*i]:loc[2*i+1]])
				}
				s.buf.Next(loc[1])
				return p.ID, groups, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil, ErrTimeout
		}
		step := remaining
		if step > time.Second {
			step = time.Second
		}
		_ = s.pty.SetReadDeadline(time.Now().Add(step))

		n, err := s.pty.Read(chunk)
		if n > 0 {
			s.buf.Write(chunk[:n])
			continue
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			continue
		}
		if err == io.EOF || errors.Is(err, syscall.EIO) {
			return 0, nil, ErrEOF
		}
		return 0, nil, perrors.Wrap(perrors.Protocol, err, "read from pty")
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

func (s *Session) waitExit() error {
	err := s.cmd.Wait()
	if err == nil {
		return nil
	}
	return perrors.Wrap(perrors.RemoteFailure, err, "remote process exited with an error")
}

// WaitPrompt waits for the synchronized command prompt only, discarding
// anything read before it. Used by internal/control after commands
// whose own output isn't otherwise inspected (mkdir, date > file).
func (s *Session) WaitPrompt(timeout time.Duration) error {
	_, _, err := s.Expect([]Pattern{PromptPattern}, timeout)
	switch err {
	case ErrEOF:
		return perrors.New(perrors.Protocol, "remote server closed the connection unexpectedly, waiting for: command prompt")
	case ErrTimeout:
		return perrors.New(perrors.Protocol, "remote server timed out unexpectedly, waiting for: command prompt")
	default:
		return err
	}
}

// ReadRaw returns bytes already in the expect buffer if there are any,
// otherwise the result of one pty read, without matching against any
// pattern: internal/control
// uses this to stream the remote wrapper script's output verbatim
// rather than buffering it all the way to a single matched pattern.
func (s *Session) ReadRaw(p []byte, timeout time.Duration) (int, error) {
	if s.buf.Len() > 0 {
		return s.buf.Read(p)
	}

	_ = s.pty.SetReadDeadline(time.Now().Add(timeout))
	n, err := s.pty.Read(p)
	if n > 0 {
		return n, nil
	}
	if err == nil {
		return 0, nil
	}
	if isTimeout(err) {
		return 0, ErrTimeout
	}
	if err == io.EOF || errors.Is(err, syscall.EIO) {
		return 0, ErrEOF
	}
	return 0, perrors.Wrap(perrors.Protocol, err, "read from pty")
}

// ExitStatus waits for the subprocess to exit and returns its exit
// code, the Go equivalent of mexp_close's WEXITSTATUS handling.
func (s *Session) ExitStatus() (int, error) {
	err := s.cmd.Wait()
	if err == nil {
		return s.cmd.ProcessState.ExitCode(), nil
	}
	if ee, ok := err.(*osexec.ExitError); ok {
		return ee.ExitCode(), nil
	}
	return 0, perrors.Wrap(perrors.RemoteFailure, err, "wait for remote process")
}

// Cancel sends a single Ctrl-C byte to the session, mutex-guarded so
// concurrent cancellation requests only ever write it once.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return nil
	}
	s.cancelled = true
	_, err := s.pty.Write([]byte{0x03})
	return err
}

// Close terminates the subprocess and releases the pty.
func (s *Session) Close() error {
	s.pty.Close()
	if s.cmd.Process != nil {
		return s.cmd.Kill()
	}
	return nil
}

// Hangup sends SIGHUP to the ssh process and releases the pty, the
// data-connection teardown step of spec.md §4.G (distinct from Close's
// SIGTERM, used for the control session).
func (s *Session) Hangup() error {
	defer s.pty.Close()
	if s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(syscall.SIGHUP); err != nil {
		return err
	}
	_, err := s.cmd.Process.Wait()
	return err
}

// Pid of the underlying ssh/scp process, for diagnostics.
func (s *Session) Pid() int {
	return s.cmd.Pid()
}

// Signaled reports whether the subprocess died from a signal rather
// than exiting normally. Only meaningful after ExitStatus has returned.
func (s *Session) Signaled() bool {
	return s.cmd.Signaled()
}

// Write sends raw bytes to the session (used by internal/control to
// drive the remote conversion command once synchronized).
func (s *Session) Write(p []byte) (int, error) {
	return s.pty.Write(p)
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
