package negotiate

import "testing"

// Literal version-compatibility cases from spec.md §8.
func TestCheckVersionCompatible(t *testing.T) {
	cases := []struct {
		version string
		wantErr bool
	}{
		{"1.27.9", true},
		{"1.28.0", false},
		{"1.99.9", false},
		{"2.0.0", false},
		{"3.0.0", true},
	}
	for _, c := range cases {
		err := checkVersionCompatible(c.version)
		if c.wantErr && err == nil {
			t.Errorf("checkVersionCompatible(%q): expected error", c.version)
		}
		if !c.wantErr && err != nil {
			t.Errorf("checkVersionCompatible(%q): unexpected error %v", c.version, err)
		}
	}
}

func TestParseMajorMinorPrefix(t *testing.T) {
	major, minor, ok := parseMajorMinorPrefix("1.28.0")
	if !ok || major != 1 || minor != 28 {
		t.Errorf("parseMajorMinorPrefix = %d, %d, %v", major, minor, ok)
	}
	if _, _, ok := parseMajorMinorPrefix("bogus"); ok {
		t.Error("expected parse failure for bogus version string")
	}
}

func TestExcludedOutputDriversFiltered(t *testing.T) {
	for _, name := range []string{"vdsm", "openstack", "rhv-upload"} {
		if !excludedOutputDrivers[name] {
			t.Errorf("%s should be excluded", name)
		}
	}
	if excludedOutputDrivers["local"] {
		t.Error("local should not be excluded")
	}
}
