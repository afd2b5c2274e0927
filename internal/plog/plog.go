// Package plog centralizes the package-logger construction used across
// the orchestrator, mirroring the one-logger-per-package convention the
// rest of the coreos-assembler tree uses.
package plog

import "github.com/coreos/pkg/capnslog"

const repo = "github.com/coreos/virt-p2v"

// New returns a capnslog logger scoped to pkg, e.g. plog.New("sshexpect").
func New(pkg string) *capnslog.PackageLogger {
	return capnslog.NewPackageLogger(repo, pkg)
}
