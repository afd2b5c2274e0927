package config

import "testing"

// Scenario 2 from spec.md §8, literal.
func TestParseCmdlineScenario2(t *testing.T) {
	cfg, err := ParseCmdline("p2v.server=host p2v.port=22 p2v.memory=4G p2v.disks=sda,sdb")
	if err != nil {
		t.Fatalf("ParseCmdline: %v", err)
	}
	if cfg.Server != "host" {
		t.Errorf("Server = %q, want host", cfg.Server)
	}
	if cfg.Port != 22 {
		t.Errorf("Port = %d, want 22", cfg.Port)
	}
	want := uint64(4) * 1024 * 1024 * 1024
	if cfg.MemoryBytes != want {
		t.Errorf("MemoryBytes = %d, want %d", cfg.MemoryBytes, want)
	}
	if len(cfg.Disks) != 2 || cfg.Disks[0] != "sda" || cfg.Disks[1] != "sdb" {
		t.Errorf("Disks = %v, want [sda sdb]", cfg.Disks)
	}
}

func TestParseCmdlineSudoPresenceEnables(t *testing.T) {
	cfg, err := ParseCmdline("p2v.server=host p2v.sudo")
	if err != nil {
		t.Fatalf("ParseCmdline: %v", err)
	}
	if !cfg.Sudo {
		t.Error("p2v.sudo with no value should enable sudo")
	}
}

func TestParseCmdlineQuotedValue(t *testing.T) {
	cfg, err := ParseCmdline(`p2v.server=host p2v.name="my guest name"`)
	if err != nil {
		t.Fatalf("ParseCmdline: %v", err)
	}
	if cfg.GuestName != "my guest name" {
		t.Errorf("GuestName = %q, want %q", cfg.GuestName, "my guest name")
	}
}

func TestParseMemory(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"512M", 512 * 1024 * 1024, false},
		{"4G", 4 * 1024 * 1024 * 1024, false},
		{"4", 0, true},
		{"4K", 0, true},
	}
	for _, c := range cases {
		got, err := ParseMemory(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseMemory(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMemory(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseMemory(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseCmdlineOutputOptions(t *testing.T) {
	cfg, err := ParseCmdline("p2v.server=host p2v.o=local p2v.oa=sparse p2v.os=/var/tmp p2v.of=qcow2")
	if err != nil {
		t.Fatalf("ParseCmdline: %v", err)
	}
	if cfg.Output.Type != "local" || cfg.Output.Allocation != AllocationSparse ||
		cfg.Output.Storage != "/var/tmp" || cfg.Output.Format != "qcow2" {
		t.Errorf("Output = %+v", cfg.Output)
	}
}
