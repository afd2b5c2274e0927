// Package dataconn opens one data connection per disk: a block-device
// server plus an ssh session carrying a reverse port forward to it
// (spec.md §4.E, the Go port of original_source/ssh.c's
// open_data_connection).
package dataconn

import (
	"regexp"
	"strconv"
	"time"

	"github.com/coreos/virt-p2v/internal/config"
	"github.com/coreos/virt-p2v/internal/nbdserve"
	"github.com/coreos/virt-p2v/internal/perrors"
	"github.com/coreos/virt-p2v/internal/plog"
	"github.com/coreos/virt-p2v/internal/sshexpect"
)

var plogger = plog.New("dataconn")

const portfwdTimeout = 60 * time.Second

var portfwdRe = regexp.MustCompile(`Allocated port (\d+) for remote forward`)

const idPortfwd = 1

// Entry is one open data connection: the ssh session carrying the
// reverse port forward, the local block-device server, and the
// ephemeral remote port ssh allocated for it. Released in reverse
// order on teardown (spec.md §3 "Data-connection entry").
type Entry struct {
	Session    *sshexpect.Session
	Server     *nbdserve.Server
	RemotePort int
}

// Open starts the block-device server for device and a raw ssh
// session with a reverse port forward to it, parses the allocated
// remote port from ssh's own banner, and returns the data connection
// for that disk.
func Open(cfg *config.Config, nbd *nbdserve.Supervisor, device string) (*Entry, error) {
	srv, err := nbd.Start(device)
	if err != nil {
		return nil, err
	}

	remoteArg := "0:localhost:" + strconv.Itoa(srv.Port)
	s, err := sshexpect.StartRaw(cfg, []string{"-R", remoteArg, "-N"})
	if err != nil {
		srv.Stop()
		return nil, err
	}

	remotePort, err := awaitPortForward(s)
	if err != nil {
		s.Close()
		srv.Stop()
		return nil, err
	}

	plogger.Infof("data connection for %s: local port %d, remote port %d", device, srv.Port, remotePort)
	return &Entry{Session: s, Server: srv, RemotePort: remotePort}, nil
}

func awaitPortForward(s *sshexpect.Session) (int, error) {
	id, groups, err := s.Expect([]sshexpect.Pattern{{idPortfwd, portfwdRe}}, portfwdTimeout)
	switch {
	case err == sshexpect.ErrEOF:
		return 0, perrors.New(perrors.Protocol, `remote server closed the connection unexpectedly, waiting for: "ssh -R" output`)
	case err == sshexpect.ErrTimeout:
		return 0, perrors.New(perrors.Protocol, `remote server timed out unexpectedly, waiting for: "ssh -R" output`)
	case err != nil:
		return 0, err
	case id != idPortfwd:
		return 0, perrors.New(perrors.Internal, "unexpected match id %d", id)
	}

	port, err := strconv.Atoi(groups[1])
	if err != nil {
		return 0, perrors.Wrap(perrors.Protocol, err, "parse allocated remote port")
	}
	return port, nil
}

// Close tears down one data connection: SIGHUP the ssh process and
// close it, then SIGTERM the block-device server and reap it,
// matching spec.md §4.G's teardown ordering for each entry.
func (e *Entry) Close() {
	if e.Session != nil {
		e.Session.Hangup()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}
