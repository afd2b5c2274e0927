// Package wrapper generates the virt-v2v-wrapper.sh script uploaded to
// the conversion server. It is easier to generate a whole script and
// scp it across than to "type" a long, complex command line down the
// control connection (spec.md §4.F, the Go port of
// original_source/conversion.c's generate_wrapper_script).
package wrapper

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/coreos/virt-p2v/internal/config"
)

// quote shell-quotes s the way print_quoted does: wrap in double
// quotes, backslash-escape $, `, \ and ". Deliberately not
// shellquote.Join here — that single-quotes (or leaves bare) its
// output, while the wrapper writes every option value in this
// double-quoted form.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '$', '`', '\\', '"':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func sudoPrefix(cfg *config.Config) string {
	if cfg.Sudo {
		return "sudo -n "
	}
	return ""
}

// Generate renders the wrapper script run on the conversion server.
// remoteDir is the absolute directory the script cd's into, containing
// the uploaded physical.xml and where it writes status/log/environment
// files. coloursOption enables "--colours" when the remote virt-v2v
// advertises that feature (internal/negotiate.Capabilities.ColoursOption).
func Generate(cfg *config.Config, remoteDir string, coloursOption bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "#!/bin/bash -\n\n")
	fmt.Fprintf(&b, "cd %s\n\n", remoteDir)

	fmt.Fprintf(&b, "v2v ()\n{\n")
	b.WriteString(sudoPrefix(cfg))
	b.WriteString("virt-v2v -v -x")
	if coloursOption {
		b.WriteString(" --colours")
	}
	b.WriteString(" -i libvirtxml")

	if cfg.Output.Type != "" {
		b.WriteString(" -o ")
		b.WriteString(quote(cfg.Output.Type))
	}

	switch cfg.Output.Allocation {
	case config.AllocationSparse:
		b.WriteString(" -oa sparse")
	case config.AllocationPreallocated:
		b.WriteString(" -oa preallocated")
	}

	if cfg.Output.Format != "" {
		b.WriteString(" -of ")
		b.WriteString(quote(cfg.Output.Format))
	}

	if cfg.Output.Storage != "" {
		b.WriteString(" -os ")
		b.WriteString(quote(cfg.Output.Storage))
	}

	for _, o := range cfg.Output.Misc {
		b.WriteString(" -oo ")
		b.WriteString(quote(o))
	}

	b.WriteString(" --root first")
	b.WriteString(" physical.xml")
	b.WriteString(" </dev/null")
	b.WriteByte('\n')
	b.WriteString("# Save the exit code of virt-v2v into the 'status' file.\n")
	b.WriteString("echo $? > status\n")
	b.WriteString("}\n\n")

	b.WriteString("# Write a pre-emptive error status, in case the virt-v2v\n")
	b.WriteString("# command doesn't get to run at all.  This will be\n")
	b.WriteString("# overwritten with the true exit code when virt-v2v runs.\n")
	b.WriteString("echo 99 > status\n\n")

	b.WriteString("log=virt-v2v-conversion-log.txt\n")
	b.WriteString("rm -f $log\n\n")

	b.WriteString("# Log the environment where virt-v2v will run.\n")
	b.WriteString("printenv > environment\n\n")

	b.WriteString("# Log the version of virt-v2v (for information only).\n")
	b.WriteString(sudoPrefix(cfg))
	b.WriteString("virt-v2v --version > v2v-version\n\n")

	b.WriteString("# Run virt-v2v.  Send stdout back to virt-p2v.  Send stdout\n")
	b.WriteString("# and stderr (debugging info) to the log file.\n")
	b.WriteString("v2v 2>> $log | tee -a $log\n\n")

	b.WriteString("# If virt-v2v failed then the error message (sent to stderr)\n")
	b.WriteString("# will not be seen in virt-p2v.  Send the last few lines of\n")
	b.WriteString("# the log back to virt-p2v in this case.\n")
	fmt.Fprintf(&b, `if [ "$(< status)" -ne 0 ]; then
    echo
    echo
    echo
    echo -ne '\e[1;31m'
    echo '***' virt-v2v command failed '***'
    echo
    echo The full log is available on the conversion server in:
    echo '   ' %s/$log
    echo Only the last 50 lines are shown below.
    echo -ne '\e[0m'
    echo
    echo
    echo
    tail -50 $log
fi
`, remoteDir)

	b.WriteString("\n# EOF\n")
	return b.String()
}

// Diagnostics returns the local shell command that collects
// diagnostic data (dmesg, lscpu, lspci, lsscsi, lsusb) about the
// machine being converted, for upload alongside the wrapper's other
// best-effort files. File paths are shellquote.Join-quoted rather than
// interpolated bare, since unlike the wrapper script's remote_dir (an
// internally-generated path with no shell metacharacters by
// construction) these are caller-supplied temp-file paths. Any of
// these commands may fail; the whole thing is best-effort and the
// caller should not treat a nonzero exit as fatal.
func Diagnostics(dmesgFile, lscpuFile, lspciFile, lsscsiFile, lsusbFile string) string {
	return strings.Join([]string{
		fmt.Sprintf("dmesg >%s 2>&1", shellquote.Join(dmesgFile)),
		fmt.Sprintf("lscpu >%s 2>&1", shellquote.Join(lscpuFile)),
		fmt.Sprintf("lspci -vvv >%s 2>&1", shellquote.Join(lspciFile)),
		fmt.Sprintf("lsscsi -v >%s 2>&1", shellquote.Join(lsscsiFile)),
		fmt.Sprintf("lsusb -v >%s 2>&1", shellquote.Join(lsusbFile)),
	}, "; ")
}

// P2VVersionFile renders the "name version\n" line written into
// p2v-version; the paired virt-v2v version is already captured by the
// wrapper script's own v2v-version file.
func P2VVersionFile(progName, version string) string {
	return fmt.Sprintf("%s %s\n", progName, version)
}
