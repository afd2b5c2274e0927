package main

import (
	"testing"

	"github.com/coreos/virt-p2v/internal/perrors"
)

func TestTestDiskFlagRejectsRelativePath(t *testing.T) {
	var f testDiskFlag
	if err := f.Set("disk.img"); err == nil {
		t.Error("expected an error for a relative path")
	}
}

func TestTestDiskFlagRejectsSecondSet(t *testing.T) {
	var f testDiskFlag
	if err := f.Set("/tmp/disk.img"); err != nil {
		t.Fatalf("first Set: %v", err)
	}
	if err := f.Set("/tmp/other.img"); err == nil {
		t.Error("expected an error on the second --test-disk")
	}
}

func TestExitCodeMapsCancellationAndConfiguration(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{perrors.New(perrors.Cancellation, "cancelled by user"), 130},
		{perrors.New(perrors.Configuration, "p2v.server is required"), 2},
		{perrors.New(perrors.RemoteFailure, "virt-v2v exited with status 1"), 1},
	}
	for _, c := range cases {
		if got := exitCode(c.err); got != c.want {
			t.Errorf("exitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
