// Package control drives the cooked-mode control connection: the ssh
// session that creates the remote working directory, receives the
// uploaded static files, and runs the wrapper script, streaming its
// output back to an observer until virt-v2v exits (spec.md §4.F, the
// Go port of original_source/ssh.c's start_remote_connection and
// original_source/conversion.c's main conversion run).
package control

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/coreos/virt-p2v/internal/config"
	"github.com/coreos/virt-p2v/internal/perrors"
	"github.com/coreos/virt-p2v/internal/plog"
	"github.com/coreos/virt-p2v/internal/sshexpect"
)

var plogger = plog.New("control")

const promptTimeout = 60 * time.Second

// Session is the open control connection: a cooked-mode ssh session
// (so ^C can be sent to cancel) for which RemoteDir has been created
// on the server. The shell does not cd into RemoteDir, and the static
// files are uploaded into it separately (UploadRequired).
type Session struct {
	sess      *sshexpect.Session
	RemoteDir string
}

// RemoteDirName builds the "/tmp/virt-p2v-YYYYMMDD-XXXXXXXX" directory
// name for the given UTC time, with an 8-char random base36 suffix.
// The path must never require shell quoting, hence the restricted
// alphabet (original_source/conversion.c's comment above the
// asprintf/guestfs_int_random_string pair this replaces).
func RemoteDirName(now time.Time) (string, error) {
	suffix, err := randomSuffix(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/tmp/virt-p2v-%04d%02d%02d-%s",
		now.Year(), now.Month(), now.Day(), suffix), nil
}

const suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomSuffix(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", perrors.Wrap(perrors.Internal, err, "generate random directory suffix")
		}
		b[i] = suffixAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// Open spawns a cooked-mode ssh session to cfg.Server, creates
// remoteDir and a "time" marker file inside it. Cooked mode (as
// opposed to the raw -N sessions used for data connections) is
// required so Cancel's ^C reaches the remote shell.
func Open(cfg *config.Config, remoteDir string) (*Session, error) {
	s, err := sshexpect.StartSSH(cfg, nil, true)
	if err != nil {
		return nil, err
	}

	if err := runQuiet(s, fmt.Sprintf("mkdir %s\n", remoteDir)); err != nil {
		s.Close()
		return nil, err
	}
	if err := runQuiet(s, fmt.Sprintf("date > %s/time\n", remoteDir)); err != nil {
		s.Close()
		return nil, err
	}

	return &Session{sess: s, RemoteDir: remoteDir}, nil
}

func runQuiet(s *sshexpect.Session, cmd string) error {
	if _, err := s.Write([]byte(cmd)); err != nil {
		return perrors.Wrap(perrors.Protocol, err, "send command on control connection")
	}
	return s.WaitPrompt(promptTimeout)
}

// RunWrapper sends the command that runs the uploaded wrapper script
// and propagates its exit status to the ssh shell's own exit status,
// then streams the remote output 256 bytes at a time to onOutput until
// EOF, calling cancelled() between reads to let the caller abort early.
// The wrapper script itself already wrote the real exit code to
// "status" before this shell ever sees it — "exit $(< status)" just
// makes that code visible on the ssh process's own exit.
func (s *Session) RunWrapper(onOutput func(string), cancelled func() bool) error {
	cmd := fmt.Sprintf("%s/virt-v2v-wrapper.sh; exit $(< %s/status)\n", s.RemoteDir, s.RemoteDir)
	if _, err := s.sess.Write([]byte(cmd)); err != nil {
		return perrors.Wrap(perrors.Protocol, err, "start virt-v2v-wrapper.sh")
	}

	buf := make([]byte, 256)
	for {
		if cancelled != nil && cancelled() {
			return perrors.New(perrors.Cancellation, "cancelled by user")
		}

		n, err := s.sess.ReadRaw(buf, promptTimeout)
		if n > 0 && onOutput != nil {
			onOutput(string(buf[:n]))
		}
		if err == nil {
			continue
		}
		if err == sshexpect.ErrTimeout {
			continue
		}
		if err == sshexpect.ErrEOF {
			break
		}
		return err
	}

	status, err := s.sess.ExitStatus()
	if err != nil {
		return perrors.Wrap(perrors.RemoteFailure, err, "wait for virt-v2v-wrapper.sh")
	}
	if status != 0 {
		return perrors.New(perrors.RemoteFailure, "virt-v2v exited with status %d", status)
	}
	return nil
}

// UploadRequired scp's local files into remoteDir on cfg.Server. These
// are the name/physical.xml/wrapper-script uploads that the conversion
// cannot proceed without, so a failure here is fatal.
func UploadRequired(cfg *config.Config, remoteDir string, local ...string) error {
	if err := sshexpect.StartSCP(cfg, remoteDir, local); err != nil {
		return perrors.Wrap(perrors.Protocol, err, fmt.Sprintf("upload required files to %s", remoteDir))
	}
	return nil
}

// UploadBestEffort scp's diagnostic files (dmesg, lscpu, lspci, lsscsi,
// lsusb, p2v-version) into remoteDir, logging but not failing on error
// — these are useful for debugging only, per
// original_source/conversion.c's ignore_value(scp_file(...)).
func UploadBestEffort(cfg *config.Config, remoteDir string, local ...string) {
	if err := sshexpect.StartSCP(cfg, remoteDir, local); err != nil {
		plogger.Warningf("upload of diagnostic files to %s failed (non-fatal): %v", remoteDir, err)
	}
}

// Cancel writes a single interrupt byte to the control session, the
// only mutation of a running conversion performed from outside
// internal/supervisor's own goroutine (spec.md §5 "Cancellation").
func (s *Session) Cancel() error {
	return s.sess.Cancel()
}

// Close ends the control connection by closing the pty and sending
// SIGTERM to the ssh process; no "exit" is sent to the remote shell.
func (s *Session) Close() error {
	plogger.Infof("closing control connection")
	return s.sess.Close()
}
