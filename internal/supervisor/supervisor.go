// Package supervisor is the conversion supervisor (spec.md §4.G): it
// sequences A→B→E→F for one whole conversion attempt, aggregates
// errors, handles cooperative cancellation, and guarantees teardown in
// strict reverse order — the Go port of
// original_source/conversion.c's do_conversion and its helpers.
package supervisor

import (
	"fmt"
	"os"
	osexec "os/exec"
	"sync"
	"time"

	"github.com/coreos/virt-p2v/internal/config"
	"github.com/coreos/virt-p2v/internal/control"
	"github.com/coreos/virt-p2v/internal/dataconn"
	"github.com/coreos/virt-p2v/internal/inhibit"
	"github.com/coreos/virt-p2v/internal/nbdserve"
	"github.com/coreos/virt-p2v/internal/negotiate"
	"github.com/coreos/virt-p2v/internal/perrors"
	"github.com/coreos/virt-p2v/internal/physdesc"
	"github.com/coreos/virt-p2v/internal/plog"
	"github.com/coreos/virt-p2v/internal/wrapper"
)

var plogger = plog.New("supervisor")

// EventKind distinguishes the three observer event kinds of spec.md
// §4.G: business-level milestones, distinct from ambient logging.
type EventKind int

const (
	Status EventKind = iota
	LogDir
	RemoteMessage
)

// Event is one observer notification. Text carries the status message,
// the remote directory path, or a chunk of remote output, depending on
// Kind.
type Event struct {
	Kind EventKind
	Text string
}

// Observer receives supervisor events; may be nil.
type Observer func(Event)

func notify(obs Observer, kind EventKind, text string) {
	if obs != nil {
		obs(Event{Kind: kind, Text: text})
	}
}

// Context is the process-scoped supervisor state of spec.md §3's
// "Global state": running, cancelRequested, and the control-session
// slot, each behind the same mutex so cancellation can safely inject
// its interrupt byte while the supervisor may be mutating the slot.
type Context struct {
	mu              sync.Mutex
	running         bool
	cancelRequested bool
	ctrl            *control.Session
}

// NewContext returns an idle supervisor context.
func NewContext() *Context {
	return &Context{}
}

// IsRunning reports whether a conversion is currently in progress.
func (c *Context) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Cancel requests cancellation of the in-progress conversion and, if a
// control session is registered, writes a single interrupt byte to it.
// This is the only mutation of supervisor state performed from outside
// Run's own goroutine (spec.md §5 "Cancellation").
func (c *Context) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRequested = true
	if c.ctrl != nil {
		if err := c.ctrl.Cancel(); err != nil {
			plogger.Warningf("sending cancellation byte to control session: %v", err)
		}
	}
}

func (c *Context) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelRequested
}

func (c *Context) setControl(s *control.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctrl = s
}

func (c *Context) clearControl() *control.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.ctrl
	c.ctrl = nil
	return s
}

// Run executes one whole conversion attempt to completion, honoring
// cfg, emitting Events to observer (which may be nil), and guaranteeing
// teardown of every resource it opened regardless of outcome. isoEnv
// selects the fixed-image port-search strategy (spec.md §4.B).
// forceColour makes the wrapper pass --colours even when the remote
// tool's negotiated capabilities didn't advertise it, the Go
// equivalent of original_source/main.c's force_colour (the --color /
// --colour[s] flag, a local variable there too, never part of the
// on-disk config record).
func (c *Context) Run(cfg *config.Config, isoEnv, forceColour bool, gen physdesc.Generator, observer Observer) error {
	c.mu.Lock()
	c.running = true
	c.cancelRequested = false
	c.ctrl = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	inh, err := inhibit.Start()
	if err != nil {
		plogger.Warningf("cannot inhibit power saving during conversion: %v", err)
	}
	defer func() {
		if inh != nil {
			inh.Close()
		}
	}()

	notify(observer, Status, "Testing the connection to the conversion server ...")
	caps, err := negotiate.TestConnection(cfg)
	if err != nil {
		return err
	}

	nbd := nbdserve.NewSupervisor(isoEnv)
	var conns []dataconn.Entry

	defer func() {
		for i := len(conns) - 1; i >= 0; i-- {
			conns[i].Close()
		}
	}()

	for _, disk := range cfg.Disks {
		device := disk
		if len(device) == 0 || device[0] != '/' {
			device = "/dev/" + device
		}

		notify(observer, Status, fmt.Sprintf("Starting local NBD server for %s ...", disk))
		notify(observer, Status, fmt.Sprintf("Opening data connection for %s ...", disk))

		entry, err := dataconn.Open(cfg, nbd, device)
		if err != nil {
			return perrors.Wrap(perrors.RemoteFailure, err, "could not open data connection over SSH to the conversion server")
		}
		conns = append(conns, *entry)
	}

	remoteDir, err := control.RemoteDirName(time.Now().UTC())
	if err != nil {
		return err
	}
	notify(observer, LogDir, remoteDir)

	tmpDir, cleanup, err := newLocalTmpDir()
	if err != nil {
		return err
	}
	defer cleanup()

	nameFile := tmpDir + "/name"
	physicalXMLFile := tmpDir + "/physical.xml"
	wrapperFile := tmpDir + "/virt-v2v-wrapper.sh"
	dmesgFile := tmpDir + "/dmesg"
	lscpuFile := tmpDir + "/lscpu"
	lspciFile := tmpDir + "/lspci"
	lsscsiFile := tmpDir + "/lsscsi"
	lsusbFile := tmpDir + "/lsusb"
	p2vVersionFile := tmpDir + "/p2v-version"

	if err := writeFile(nameFile, cfg.GuestName+"\n"); err != nil {
		return err
	}
	if err := gen.Generate(cfg, conns, physicalXMLFile); err != nil {
		return perrors.Wrap(perrors.Environment, err, "generate physical.xml")
	}
	if err := writeFile(wrapperFile, wrapper.Generate(cfg, remoteDir, caps.ColoursOption || forceColour)); err != nil {
		return err
	}
	runBestEffort(wrapper.Diagnostics(dmesgFile, lscpuFile, lspciFile, lsscsiFile, lsusbFile))
	if err := writeFile(p2vVersionFile, wrapper.P2VVersionFile("virt-p2v", progVersion)); err != nil {
		plogger.Warningf("generate p2v-version file (non-fatal): %v", err)
	}

	notify(observer, Status, "Setting up the control connection ...")
	ctrl, err := control.Open(cfg, remoteDir)
	if err != nil {
		return perrors.Wrap(perrors.RemoteFailure, err, "could not open control connection over SSH to the conversion server")
	}
	c.setControl(ctrl)
	defer func() {
		if s := c.clearControl(); s != nil {
			s.Close()
		}
	}()

	if err := control.UploadRequired(cfg, remoteDir, nameFile, physicalXMLFile, wrapperFile); err != nil {
		return err
	}
	control.UploadBestEffort(cfg, remoteDir, dmesgFile, lscpuFile, lspciFile, lsscsiFile, lsusbFile, p2vVersionFile)

	notify(observer, Status, "Doing conversion ...")
	return ctrl.RunWrapper(func(chunk string) {
		notify(observer, RemoteMessage, chunk)
	}, c.isCancelled)
}

const progVersion = "1.0.0"

// newLocalTmpDir creates the local scratch directory holding the
// static files generated before upload, and returns a cleanup func
// that removes it. We keep the remote_dir (unlike this one) after the
// run for post-mortem inspection; the local copy is redundant once
// uploaded.
func newLocalTmpDir() (string, func(), error) {
	dir, err := os.MkdirTemp("", "virt-p2v-")
	if err != nil {
		return "", nil, perrors.Wrap(perrors.Environment, err, "create local temporary directory")
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func writeFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return perrors.Wrap(perrors.Environment, err, fmt.Sprintf("write %s", path))
	}
	return nil
}

// runBestEffort runs a shell command collecting local diagnostics; any
// failure is logged but never fails the conversion
// (original_source/conversion.c's generate_system_data is entirely
// best-effort).
func runBestEffort(shellCmd string) {
	cmd := osexec.Command("sh", "-c", shellCmd)
	if err := cmd.Run(); err != nil {
		plogger.Warningf("collecting system diagnostics (non-fatal): %v", err)
	}
}
