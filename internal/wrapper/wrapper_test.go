package wrapper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coreos/virt-p2v/internal/config"
)

func TestQuoteEscapesSpecialChars(t *testing.T) {
	got := quote(`a$b` + "`c" + `d\e"f`)
	want := `"a\$b\` + "`c" + `d\\e\"f"`
	assert.Equal(t, want, got)
}

func TestQuoteWrapsPlainString(t *testing.T) {
	assert.Equal(t, `"local"`, quote("local"))
}

// Scenario 5 from spec.md §8: local output, qcow2, sparse allocation,
// one -oo option, no sudo, colours available.
func TestGenerateScenario5(t *testing.T) {
	cfg := &config.Config{
		Output: config.Output{
			Type:       "local",
			Format:     "qcow2",
			Storage:    "/var/tmp",
			Allocation: config.AllocationSparse,
			Misc:       []string{"foo=bar"},
		},
	}

	script := Generate(cfg, "/tmp/virt-p2v-20260731-abcd1234", true)

	assert.Equal(t, 1, strings.Count(script, "--root first physical.xml </dev/null"))
	assert.Equal(t, 1, strings.Count(script, "echo $? > status\n"))
	assert.Contains(t, script, "echo 99 > status")
	assert.Contains(t, script, "--colours")
	assert.Contains(t, script, `-o "local"`)
	assert.Contains(t, script, "-oa sparse")
	assert.Contains(t, script, `-of "qcow2"`)
	assert.Contains(t, script, `-os "/var/tmp"`)
	assert.Contains(t, script, `-oo "foo=bar"`)
	assert.NotContains(t, script, "sudo -n")
	assert.True(t, strings.HasPrefix(script, "#!/bin/bash -\n"))
}

func TestGenerateSudoPrefix(t *testing.T) {
	cfg := &config.Config{Sudo: true}
	script := Generate(cfg, "/tmp/virt-p2v-x", false)
	assert.Contains(t, script, "sudo -n virt-v2v -v -x")
	assert.Contains(t, script, "sudo -n virt-v2v --version")
	assert.NotContains(t, script, "--colours")
}

func TestGenerateNoOutputOptions(t *testing.T) {
	cfg := &config.Config{}
	script := Generate(cfg, "/tmp/virt-p2v-x", false)
	for _, flag := range []string{" -o ", " -of ", " -os ", " -oo ", " -oa "} {
		assert.NotContains(t, script, flag)
	}
}

func TestDiagnosticsIncludesAllFiles(t *testing.T) {
	cmd := Diagnostics("dmesg.txt", "lscpu.txt", "lspci.txt", "lsscsi.txt", "lsusb.txt")
	for _, want := range []string{"dmesg >dmesg.txt", "lscpu >lscpu.txt", "lspci -vvv >lspci.txt", "lsscsi -v >lsscsi.txt", "lsusb -v >lsusb.txt"} {
		assert.Contains(t, cmd, want)
	}
}

func TestP2VVersionFile(t *testing.T) {
	assert.Equal(t, "virt-p2v 1.0.0\n", P2VVersionFile("virt-p2v", "1.0.0"))
}
