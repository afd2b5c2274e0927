package config

import "testing"

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[uint64]uint64{
		0:          0,
		1:          1,
		2:          2,
		3:          4,
		1025:       2048,
		1024 * 1024: 1024 * 1024,
	}
	for in, want := range cases {
		if got := NextPowerOfTwo(in); got != want {
			t.Errorf("NextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestValidateRequiresServer(t *testing.T) {
	cfg := Default()
	cfg.GuestName = "guest"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when Server is empty")
	}
	cfg.Server = "conversion-host"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseAllocation(t *testing.T) {
	if a, err := ParseAllocation("sparse"); err != nil || a != AllocationSparse {
		t.Errorf("ParseAllocation(sparse) = %v, %v", a, err)
	}
	if _, err := ParseAllocation("bogus"); err == nil {
		t.Error("expected error for invalid allocation")
	}
}
