package diskinfo

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

// withNoMediumDevice overrides openDevice for the duration of the test
// so name opens as if the kernel reported ENOMEDIUM, the way a real
// open() on an empty floppy/CD writer does — wrapped in a *os.PathError
// the same way os.OpenFile wraps every errno.
func withNoMediumDevice(t *testing.T, name string) {
	t.Helper()
	prev := openDevice
	openDevice = func(path string, flag int, perm os.FileMode) (*os.File, error) {
		if filepath.Base(path) == name {
			return nil, &os.PathError{Op: "open", Path: path, Err: syscall.ENOMEDIUM}
		}
		return prev(path, flag, perm)
	}
	t.Cleanup(func() { openDevice = prev })
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// buildFixture lays out a fake /sys/block, /sys/dev/block, /dev and
// mountinfo tree under dir, modelling: two plain disks sda/sdb, a
// root disk sdc with root on partition sdc1, a cciss disk, an empty
// SCSI CD writer sdd that reports removable+no-medium, and an sr0
// optical drive.
func buildFixture(t *testing.T) (sysBlock, sysDevBlock, dev, mountinfo string) {
	t.Helper()
	root := t.TempDir()
	sysBlock = filepath.Join(root, "sys", "block")
	sysDevBlock = filepath.Join(root, "sys", "dev", "block")
	dev = filepath.Join(root, "dev")
	mountinfo = filepath.Join(root, "mountinfo")

	writeFile(t, filepath.Join(sysBlock, "sda", "dev"), "8:0\n")
	writeFile(t, filepath.Join(sysBlock, "sdb", "dev"), "8:16\n")
	writeFile(t, filepath.Join(sysBlock, "sdc", "dev"), "8:32\n")
	writeFile(t, filepath.Join(sysBlock, "sdd", "dev"), "8:48\n")
	writeFile(t, filepath.Join(sysBlock, "sdd", "removable"), "1\n")
	writeFile(t, filepath.Join(sysBlock, "cciss!c0d0", "dev"), "104:0\n")
	writeFile(t, filepath.Join(sysBlock, "sr0", "dev"), "11:0\n")

	// sdc1 is the root partition: major:minor 8:33, parent 8:32 (sdc).
	linkPartition(t, sysBlock, sysDevBlock, "sdc", "sdc1", "8:33")

	writeFile(t, mountinfo,
		"36 35 8:33 / / rw,relatime master:1 - ext4 /dev/sdc1 rw\n")

	return sysBlock, sysDevBlock, dev, mountinfo
}

// linkPartition models sysfs's /sys/dev/block/<devno> entry for a
// partition: a symlink to the partition's directory inside its parent
// disk's directory, so "<devno>/../dev" is the parent disk's dev file.
func linkPartition(t *testing.T, sysBlock, sysDevBlock, disk, part, devno string) {
	t.Helper()
	target := filepath.Join(sysBlock, disk, part)
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(sysDevBlock, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(sysDevBlock, devno)); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverExcludesRootAndParent(t *testing.T) {
	sysBlock, sysDevBlock, dev, mountinfo := buildFixture(t)
	withNoMediumDevice(t, "sdd")

	inv, err := discoverIn(sysBlock, sysDevBlock, dev, mountinfo)
	if err != nil {
		t.Fatalf("discoverIn: %v", err)
	}

	want := []string{"cciss/c0d0", "sda", "sdb"}
	if len(inv.Disks) != len(want) {
		t.Fatalf("Disks = %v, want %v", inv.Disks, want)
	}
	for i := range want {
		if inv.Disks[i] != want[i] {
			t.Errorf("Disks[%d] = %q, want %q", i, inv.Disks[i], want[i])
		}
	}
}

func TestDiscoverClassifiesOpticalAsRemovable(t *testing.T) {
	sysBlock, sysDevBlock, dev, mountinfo := buildFixture(t)

	inv, err := discoverIn(sysBlock, sysDevBlock, dev, mountinfo)
	if err != nil {
		t.Fatalf("discoverIn: %v", err)
	}
	if len(inv.Removable) != 1 || inv.Removable[0] != "sr0" {
		t.Errorf("Removable = %v, want [sr0]", inv.Removable)
	}
}

// Scenario 1 from spec.md §8: two local disks sda, sdb, root on sdc1.
func TestDiscoverScenario1(t *testing.T) {
	root := t.TempDir()
	sysBlock := filepath.Join(root, "sys", "block")
	sysDevBlock := filepath.Join(root, "sys", "dev", "block")
	dev := filepath.Join(root, "dev")
	mountinfo := filepath.Join(root, "mountinfo")

	writeFile(t, filepath.Join(sysBlock, "sda", "dev"), "8:0\n")
	writeFile(t, filepath.Join(sysBlock, "sdb", "dev"), "8:16\n")
	writeFile(t, filepath.Join(sysBlock, "sdc", "dev"), "8:32\n")
	linkPartition(t, sysBlock, sysDevBlock, "sdc", "sdc1", "8:33")
	writeFile(t, mountinfo, "36 35 8:33 / / rw,relatime master:1 - ext4 /dev/sdc1 rw\n")

	inv, err := discoverIn(sysBlock, sysDevBlock, dev, mountinfo)
	if err != nil {
		t.Fatalf("discoverIn: %v", err)
	}
	want := []string{"sda", "sdb"}
	if len(inv.Disks) != 2 || inv.Disks[0] != want[0] || inv.Disks[1] != want[1] {
		t.Errorf("Disks = %v, want %v", inv.Disks, want)
	}
}

func TestIsRemovableNoMediumRequiresAttribute(t *testing.T) {
	root := t.TempDir()
	sysBlock := filepath.Join(root, "sys", "block")
	dev := filepath.Join(root, "dev")

	// removable=0: never treated as no-medium regardless of the device file.
	writeFile(t, filepath.Join(sysBlock, "sdx", "removable"), "0\n")
	if isRemovableNoMedium(sysBlock, dev, "sdx") {
		t.Error("removable=0 should never be excluded")
	}
}

// spec.md §8: a removable sd* device whose open fails with "no medium"
// is absent from Disks, not just untested — reproduces the wrapped
// *os.PathError an empty SCSI writer actually returns.
func TestDiscoverExcludesRemovableNoMedium(t *testing.T) {
	sysBlock, sysDevBlock, dev, mountinfo := buildFixture(t)
	withNoMediumDevice(t, "sdd")

	inv, err := discoverIn(sysBlock, sysDevBlock, dev, mountinfo)
	if err != nil {
		t.Fatalf("discoverIn: %v", err)
	}
	for _, d := range inv.Disks {
		if d == "sdd" {
			t.Errorf("Disks = %v, want sdd excluded as removable-no-medium", inv.Disks)
		}
	}
}

func TestIsRemovableNoMediumDetectsWrappedErrno(t *testing.T) {
	root := t.TempDir()
	sysBlock := filepath.Join(root, "sys", "block")
	dev := filepath.Join(root, "dev")

	writeFile(t, filepath.Join(sysBlock, "sdz", "removable"), "1\n")
	withNoMediumDevice(t, "sdz")

	if !isRemovableNoMedium(sysBlock, dev, "sdz") {
		t.Error("expected a wrapped ENOMEDIUM PathError to be recognized")
	}
}

func TestIsRemovableNoMediumOpensSucceed(t *testing.T) {
	root := t.TempDir()
	sysBlock := filepath.Join(root, "sys", "block")
	dev := filepath.Join(root, "dev")

	writeFile(t, filepath.Join(sysBlock, "sdy", "removable"), "1\n")
	writeFile(t, filepath.Join(dev, "sdy"), "")
	if isRemovableNoMedium(sysBlock, dev, "sdy") {
		t.Error("a device that opens successfully should not be excluded")
	}
}

func TestParseMajorMinor(t *testing.T) {
	major, minor, err := parseMajorMinor("8:16\n")
	if err != nil || major != 8 || minor != 16 {
		t.Errorf("parseMajorMinor = %d, %d, %v", major, minor, err)
	}
	if _, _, err := parseMajorMinor("garbage"); err == nil {
		t.Error("expected error for malformed major:minor")
	}
}
