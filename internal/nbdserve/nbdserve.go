// Package nbdserve starts one external read-only block-device server
// per disk, handing it pre-bound listening sockets through the
// socket-activation contract (spec.md §4.B).
package nbdserve

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/virt-p2v/internal/perrors"
	"github.com/coreos/virt-p2v/internal/plog"
	"github.com/coreos/virt-p2v/system/exec"
	"golang.org/x/sys/unix"
)

var plogger = plog.New("nbdserve")

const (
	binary       = "nbdkit"
	lastPort     = 60000
	isoFixedPort = 50123
)

// Server is one running nbdkit instance serving a single device.
type Server struct {
	Port   int
	Device string
	cmd    *exec.ExecCmd
}

// Supervisor hands out ephemeral ports and remembers nbdkit's
// capabilities across the disks of a single conversion attempt.
type Supervisor struct {
	ISOEnvironment bool

	mu             sync.Mutex
	nextPort       int
	probed         bool
	exitWithParent bool
}

// NewSupervisor returns a Supervisor with its initial port search
// position set per spec.md §4.B: a fixed port inside the fixed-image
// environment, otherwise a random port in [50000, 60000).
func NewSupervisor(isoEnvironment bool) *Supervisor {
	s := &Supervisor{ISOEnvironment: isoEnvironment}
	if isoEnvironment {
		s.nextPort = isoFixedPort
	} else {
		s.nextPort = 50000 + rand.Intn(10000)
	}
	return s
}

// Test verifies that nbdkit and its file plugin are usable, and
// probes whether it supports --exit-with-parent. Mirrors
// original_source/nbd.c's test_nbd_server.
func (s *Supervisor) Test() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := exec.Command(binary, "file", "--version").Run(); err != nil {
		return perrors.Wrap(perrors.Environment, err, "nbdkit was not found, cannot continue")
	}

	s.exitWithParent = exec.Command(binary, "--exit-with-parent", "--version").Run() == nil
	s.probed = true

	plogger.Infof("found nbdkit (%s exit with parent)", boolWord(s.exitWithParent))
	return nil
}

func boolWord(b bool) string {
	if b {
		return "can"
	}
	return "cannot"
}

// Start binds a free local loopback port and forks nbdkit to serve
// device read-only over it, using socket activation. Returns the
// running server or an error if no free port could be found.
func (s *Supervisor) Start(device string) (*Server, error) {
	s.mu.Lock()
	if !s.probed {
		s.mu.Unlock()
		if err := s.Test(); err != nil {
			return nil, err
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	port, listeners, err := s.bindFreePort()
	if err != nil {
		return nil, err
	}

	cmd, err := startNbdkit(device, listeners, s.exitWithParent)
	for _, l := range listeners {
		l.Close()
	}
	if err != nil {
		return nil, err
	}

	return &Server{Port: port, Device: device, cmd: cmd}, nil
}

// bindFreePort searches [nextPort, 60000) for a port all address
// families of "localhost" can bind, advancing past EADDRINUSE.
func (s *Supervisor) bindFreePort() (int, []*net.TCPListener, error) {
	for port := s.nextPort; port < lastPort; port++ {
		listeners, err := bindLoopback(port)
		if err == nil {
			s.nextPort = port + 1
			return port, listeners, nil
		}
		if !isAddrInUse(err) {
			return 0, nil, perrors.Wrap(perrors.Environment, err, "bind local NBD port")
		}
	}
	return 0, nil, perrors.New(perrors.Environment, "cannot find a free local port")
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// bindLoopback opens a listening socket on "localhost":port for each
// resolved address family. SO_REUSEADDR and, on the IPv6 listener,
// IPV6_V6ONLY are set explicitly through Control rather than left to
// net.ListenTCP's defaults, mirroring original_source/nbd.c's
// start_nbdkit socket setup so an IPv6 wildcard bind never silently
// also claims the IPv4 port nbdkit is about to be handed separately.
func bindLoopback(port int) ([]*net.TCPListener, error) {
	addrs, err := net.LookupIP("localhost")
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: controlSockopts}

	var listeners []*net.TCPListener
	for _, ip := range addrs {
		conn, err := lc.Listen(context.Background(), "tcp", (&net.TCPAddr{IP: ip, Port: port}).String())
		if err != nil {
			for _, already := range listeners {
				already.Close()
			}
			return nil, err
		}
		listeners = append(listeners, conn.(*net.TCPListener))
	}
	if len(listeners) == 0 {
		return nil, fmt.Errorf("localhost resolved to no addresses")
	}
	return listeners, nil
}

// controlSockopts sets SO_REUSEADDR unconditionally and IPV6_V6ONLY on
// an IPv6 socket, so the per-family listeners this package opens never
// overlap each other's address space.
func controlSockopts(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		if network == "tcp6" || network == "udp6" {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// startNbdkit forks nbdkit with the given listeners re-plumbed to the
// socket-activation file descriptors, per original_source/nbd.c's
// socket_activation and start_nbdkit.
func startNbdkit(device string, listeners []*net.TCPListener, exitWithParent bool) (*exec.ExecCmd, error) {
	files := make([]*os.File, 0, len(listeners))
	for _, l := range listeners {
		f, err := l.File()
		if err != nil {
			return nil, perrors.Wrap(perrors.Environment, err, "dup listening socket")
		}
		files = append(files, f)
	}

	nofork := "-f"
	if exitWithParent {
		nofork = "--exit-with-parent"
	}

	if activation.ListenFdsStart != 3 {
		panic("unexpected socket-activation fd base")
	}

	// original_source/nbd.c's socket_activation runs between fork and
	// exec in the child and calls getpid() there to learn its own new
	// pid for LISTEN_PID. Go's exec.Cmd gives no such hook, so we
	// route through a shell: "$$" is the shell's own pid, evaluated
	// after the fork that created it, and "exec" below replaces that
	// shell's image with nbdkit in place without changing the pid.
	script := fmt.Sprintf(`LISTEN_PID=$$ LISTEN_FDS=%d exec "$0" "$@"`, len(files))
	cmd := exec.Command("sh", "-c", script, binary, "-r", nofork, "file", "file="+device)
	// ExtraFiles places files[0] at fd 3 (activation.ListenFdsStart),
	// files[1] at fd 4, and so on, matching socket_activation's dup2 loop.
	cmd.ExtraFiles = files

	if err := cmd.Start(); err != nil {
		for _, f := range files {
			f.Close()
		}
		return nil, perrors.Wrap(perrors.Environment, err, "start nbdkit")
	}
	for _, f := range files {
		f.Close()
	}
	return cmd, nil
}

// Stop sends SIGTERM to the nbdkit child and reaps it, per the
// teardown order in spec.md §4.G.
func (s *Server) Stop() error {
	if s.cmd == nil {
		return nil
	}
	return s.cmd.Kill()
}

// Pid is the nbdkit child's process ID, valid after a successful Start.
func (s *Server) Pid() int {
	if s.cmd == nil {
		return -1
	}
	return s.cmd.Pid()
}
