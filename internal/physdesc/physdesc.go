// Package physdesc stands in for the physical-description document
// generator (spec.md §1 Non-goals: the full libvirt domain XML
// generator — disk geometry, PCI/USB topology, network interface
// descriptions pulled from the running kernel — is out of scope for
// this port). It still implements the §6 Generator contract so
// internal/control has a real physical.xml to upload, producing a
// minimal single-domain description wired to the data connections
// internal/dataconn already opened.
package physdesc

import (
	"fmt"
	"os"
	"strings"

	"github.com/coreos/virt-p2v/internal/config"
	"github.com/coreos/virt-p2v/internal/dataconn"
)

// Generator produces the physical.xml document describing the source
// machine, the collaborator named in spec.md §6.
type Generator interface {
	Generate(cfg *config.Config, conns []dataconn.Entry, path string) error
}

// Minimal is the stub Generator: a single <domain> element naming the
// guest, vcpus, memory, and one <disk> per data connection pointing at
// "nbd://localhost:<remote_port>/". Sufficient for virt-v2v's
// "--root first physical.xml" to parse and locate every disk; it does
// not attempt BIOS/UEFI, PCI topology, or network interface XML.
type Minimal struct{}

func (Minimal) Generate(cfg *config.Config, conns []dataconn.Entry, path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "<domain type='physical'>\n")
	fmt.Fprintf(&b, "  <name>%s</name>\n", cfg.GuestName)
	fmt.Fprintf(&b, "  <memory unit='b'>%d</memory>\n", cfg.MemoryBytes)
	fmt.Fprintf(&b, "  <vcpu>%d</vcpu>\n", cfg.VCPUs)
	b.WriteString("  <devices>\n")
	for _, c := range conns {
		fmt.Fprintf(&b, "    <disk type='network' device='disk'>\n")
		fmt.Fprintf(&b, "      <source protocol='nbd'><host name='localhost' port='%d'/></source>\n", c.RemotePort)
		b.WriteString("    </disk>\n")
	}
	b.WriteString("  </devices>\n")
	b.WriteString("</domain>\n")

	return os.WriteFile(path, []byte(b.String()), 0644)
}
