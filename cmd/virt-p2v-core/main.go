// Command virt-p2v-core is the headless front end for the physical-to-
// virtual conversion orchestrator (spec.md §4.H): it ingests
// configuration from a kernel-command-line-style string and/or
// explicit flags, then drives internal/supervisor through one whole
// conversion attempt, printing status/log-directory/remote-output
// events as they arrive.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/coreos/virt-p2v/internal/config"
	"github.com/coreos/virt-p2v/internal/diskinfo"
	"github.com/coreos/virt-p2v/internal/perrors"
	"github.com/coreos/virt-p2v/internal/physdesc"
	"github.com/coreos/virt-p2v/internal/supervisor"
)

const progVersion = "1.0.0"

var plog = capnslog.NewPackageLogger("github.com/coreos/virt-p2v", "main")

// testDiskFlag implements pflag.Value: only a single --test-disk option
// may be given, and it must be an absolute path
// (original_source/main.c's test_disk handling, verbatim).
type testDiskFlag struct {
	value string
	set   bool
}

func (f *testDiskFlag) String() string { return f.value }
func (f *testDiskFlag) Type() string   { return "string" }
func (f *testDiskFlag) Set(v string) error {
	if f.set {
		return fmt.Errorf("only a single --test-disk option can be used")
	}
	if !filepath.IsAbs(v) {
		return fmt.Errorf("--test-disk must be an absolute path")
	}
	f.value = v
	f.set = true
	return nil
}

var (
	flagServer       string
	flagPort         int
	flagUsername     string
	flagPassword     string
	flagIdentityFile string
	flagIdentityURL  string
	flagSudo         bool
	flagName         string
	flagVCPUs        int
	flagMemory       string
	flagDisks        []string
	flagRemovable    []string
	flagInterfaces   []string
	flagNetwork      []string
	flagOutputType   string
	flagOutputAlloc  string
	flagOutputMisc   []string
	flagOutputFormat string
	flagOutputStore  string

	flagCmdline   string
	flagTestDisk  testDiskFlag
	flagColour    bool
	flagISO       bool
	flagVerbose   bool
	flagVersion   bool

	cmdRoot = &cobra.Command{
		Use:           "virt-p2v-core",
		Short:         "Physical-to-virtual conversion orchestrator",
		SilenceUsage:  false,
		RunE:          runConvert,
	}

	cmdConvert = &cobra.Command{
		Use:   "convert",
		Short: "Run one conversion attempt to completion",
		RunE:  runConvert,
	}

	cmdVersion = &cobra.Command{
		Use:   "version",
		Short: "Print the version number and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("virt-p2v-core version %s\n", progVersion)
		},
	}
)

func init() {
	flags := cmdRoot.PersistentFlags()
	flags.StringVar(&flagServer, "server", "", "p2v.server: conversion server host name")
	flags.IntVar(&flagPort, "port", 0, "p2v.port: conversion server ssh port")
	flags.StringVar(&flagUsername, "username", "", "p2v.username: ssh user")
	flags.StringVar(&flagPassword, "password", "", "p2v.password: ssh password")
	flags.StringVar(&flagIdentityFile, "identity-file", "", "local private key file for ssh authentication")
	flags.StringVar(&flagIdentityURL, "identity-url", "", "URL to fetch a private key file from")
	flags.BoolVar(&flagSudo, "sudo", false, "p2v.sudo: run virt-v2v under sudo -n on the remote side")
	flags.StringVar(&flagName, "name", "", "p2v.name: guest name")
	flags.IntVar(&flagVCPUs, "vcpus", 0, "p2v.vcpus: virtual CPU count")
	flags.StringVar(&flagMemory, "memory", "", "p2v.memory: memory size, e.g. 4G or 512M")
	flags.StringSliceVar(&flagDisks, "disks", nil, "p2v.disks: comma-separated device basenames")
	flags.StringSliceVar(&flagRemovable, "removable", nil, "p2v.removable: comma-separated device basenames")
	flags.StringSliceVar(&flagInterfaces, "interfaces", nil, "p2v.interfaces: comma-separated network interface names")
	flags.StringSliceVar(&flagNetwork, "network", nil, "p2v.network: comma-separated network mapping strings")
	flags.StringVar(&flagOutputType, "o", "", "p2v.o: output type")
	flags.StringVar(&flagOutputAlloc, "oa", "", "p2v.oa: output allocation (sparse|preallocated)")
	flags.StringSliceVar(&flagOutputMisc, "oc", nil, "p2v.oc: comma-separated extra -oo options")
	flags.StringVar(&flagOutputFormat, "of", "", "p2v.of: output format")
	flags.StringVar(&flagOutputStore, "os", "", "p2v.os: output storage")

	flags.StringVar(&flagCmdline, "cmdline", "", "parse configuration from a /proc/cmdline-style string instead of discovering it")
	flags.Var(&flagTestDisk, "test-disk", "for testing, use this disk image instead of discovering local disks")
	flags.BoolVar(&flagColour, "color", false, "use ANSI colour sequences on the remote side even if not a tty")
	flags.BoolVar(&flagColour, "colour", false, "alias of --color")
	flags.BoolVar(&flagColour, "colours", false, "alias of --color")
	flags.BoolVar(&flagColour, "colors", false, "alias of --color")
	flags.BoolVar(&flagISO, "iso", false, "running from a fixed ISO environment (changes the local NBD port-search strategy)")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "verbose messages (accepted, no effect)")
	flags.BoolVarP(&flagVersion, "version", "V", false, "display version and exit")

	cmdRoot.AddCommand(cmdConvert)
	cmdRoot.AddCommand(cmdVersion)
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "virt-p2v-core: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// buildConfig assembles the process-scoped Config from the two
// ingestion sources of spec.md §4.H: local disk discovery seeds the
// disks/removable defaults, an optional --cmdline string can replace
// most fields wholesale, and any explicit flag the caller set wins
// over both.
func buildConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	var cfg *config.Config

	if flagCmdline != "" {
		parsed, err := config.ParseCmdline(flagCmdline)
		if err != nil {
			return nil, false, perrors.Wrap(perrors.Configuration, err, "parse --cmdline")
		}
		cfg = parsed
	} else {
		cfg = config.Default()
	}

	if flagTestDisk.set {
		cfg.Disks = []string{flagTestDisk.value}
	} else if len(cfg.Disks) == 0 {
		inv, err := diskinfo.Discover()
		if err != nil {
			return nil, false, perrors.Wrap(perrors.Environment, err, "discover local disks")
		}
		cfg.Disks = inv.Disks
		if len(cfg.Removable) == 0 {
			cfg.Removable = inv.Removable
		}
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server = flagServer
	}
	if flags.Changed("port") {
		cfg.Port = flagPort
	}
	if flags.Changed("username") {
		cfg.Username = flagUsername
	}
	if flags.Changed("password") {
		cfg.Password = flagPassword
	}
	if flags.Changed("identity-file") {
		cfg.Identity.File = flagIdentityFile
	}
	if flags.Changed("identity-url") {
		cfg.Identity.URL = flagIdentityURL
		cfg.Identity.NeedsUpdate = true
	}
	if flags.Changed("sudo") {
		cfg.Sudo = flagSudo
	}
	if flags.Changed("name") {
		cfg.GuestName = flagName
	}
	if flags.Changed("vcpus") {
		cfg.VCPUs = flagVCPUs
	}
	if flags.Changed("memory") {
		mem, err := config.ParseMemory(flagMemory)
		if err != nil {
			return nil, false, perrors.Wrap(perrors.Configuration, err, "parse --memory")
		}
		cfg.MemoryBytes = mem
	}
	if flags.Changed("disks") {
		cfg.Disks = flagDisks
	}
	if flags.Changed("removable") {
		cfg.Removable = flagRemovable
	}
	if flags.Changed("interfaces") {
		cfg.Interfaces = flagInterfaces
	}
	if flags.Changed("network") {
		cfg.NetworkMap = flagNetwork
	}
	if flags.Changed("o") {
		cfg.Output.Type = flagOutputType
	}
	if flags.Changed("oa") {
		alloc, err := config.ParseAllocation(flagOutputAlloc)
		if err != nil {
			return nil, false, perrors.Wrap(perrors.Configuration, err, "parse --oa")
		}
		cfg.Output.Allocation = alloc
	}
	if flags.Changed("oc") {
		cfg.Output.Misc = flagOutputMisc
	}
	if flags.Changed("of") {
		cfg.Output.Format = flagOutputFormat
	}
	if flags.Changed("os") {
		cfg.Output.Storage = flagOutputStore
	}

	return cfg, flagColour, nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	if flagVersion {
		fmt.Printf("virt-p2v-core version %s\n", progVersion)
		return nil
	}
	if len(args) != 0 {
		return fmt.Errorf("unused arguments on the command line: %s", strings.Join(args, " "))
	}

	cfg, forceColour, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return perrors.Wrap(perrors.Configuration, err, "validate configuration")
	}

	sup := supervisor.NewContext()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		if _, ok := <-sig; ok {
			plog.Infof("cancellation requested, interrupting conversion")
			sup.Cancel()
		}
	}()

	observer := func(e supervisor.Event) {
		switch e.Kind {
		case supervisor.Status:
			fmt.Println(e.Text)
		case supervisor.LogDir:
			fmt.Printf("Remote log directory: %s\n", e.Text)
		case supervisor.RemoteMessage:
			fmt.Print(e.Text)
		}
	}

	return sup.Run(cfg, flagISO, forceColour, physdesc.Minimal{}, observer)
}

// exitCode maps a perrors.Kind to a process exit status: 130 for an
// operator-requested cancellation, 2 for a configuration failure, and 1
// for everything else (environment failures included), matching
// spec.md §7's propagation policy at the process boundary.
func exitCode(err error) int {
	switch perrors.KindOf(err) {
	case perrors.Cancellation:
		return 130
	case perrors.Configuration:
		return 2
	default:
		return 1
	}
}
