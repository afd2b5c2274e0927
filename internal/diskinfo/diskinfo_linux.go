package diskinfo

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/coreos/virt-p2v/internal/plog"
)

var plogger = plog.New("diskinfo")

const (
	defaultSysBlockDir = "/sys/block"
	defaultSysDevBlock = "/sys/dev/block"
	defaultDevDir      = "/dev"
	defaultMountinfo   = "/proc/self/mountinfo"
)

var diskPrefixes = []string{"cciss!", "hd", "nvme", "sd", "ubd", "vd"}

// Discover reads the operating system's block-device registry and
// returns the disks and removable sets (spec.md §4.A). Failure to
// read the registry is fatal, per spec.md.
func Discover() (*Inventory, error) {
	return discoverIn(defaultSysBlockDir, defaultSysDevBlock, defaultDevDir, defaultMountinfo)
}

func discoverIn(sysBlockDir, sysDevBlockDir, devDir, mountinfoPath string) (*Inventory, error) {
	rootMajor, rootMinor, err := rootDeviceNumber(mountinfoPath)
	if err != nil {
		// Not being able to identify the root device is not fatal by
		// itself — we simply can't exclude it, which only matters on
		// systems where the root is one of these block devices.
		plogger.Warningf("could not determine root device: %v", err)
	}
	rootParentMajor, rootParentMinor, havParent := partitionParent(sysDevBlockDir, rootMajor, rootMinor)

	entries, err := os.ReadDir(sysBlockDir)
	if err != nil {
		return nil, fmt.Errorf("opendir %s: %w", sysBlockDir, err)
	}

	var disks, removable []string
	for _, ent := range entries {
		name := ent.Name()

		switch {
		case strings.HasPrefix(name, "sr"):
			removable = append(removable, name)
			continue
		case hasAnyPrefix(name, diskPrefixes):
			// fall through to disk handling below
		default:
			continue
		}

		if strings.HasPrefix(name, "sd") {
			if isRemovableNoMedium(sysBlockDir, devDir, name) {
				continue
			}
		}

		major, minor, err := deviceNumber(sysBlockDir, name)
		if err != nil {
			plogger.Warningf("skipping %s: %v", name, err)
			continue
		}
		if major == rootMajor && minor == rootMinor {
			continue
		}
		if havParent && major == rootParentMajor && minor == rootParentMinor {
			continue
		}

		// cciss device /dev/cciss/c0d0 is /sys/block/cciss!c0d0.
		disks = append(disks, strings.ReplaceAll(name, "!", "/"))
	}

	sort.Strings(disks)
	sort.Strings(removable)

	return &Inventory{Disks: disks, Removable: removable}, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// openDevice is a seam for tests: os.OpenFile against a real block
// device returns a *os.PathError wrapping the errno, never a bare
// syscall.Errno, so tests need to reproduce that wrapping to exercise
// the ENOMEDIUM branch below.
var openDevice = os.OpenFile

// isRemovableNoMedium reports whether name's "removable" sysfs
// attribute is truthy and opening the device read-only fails with "no
// medium" (spec.md §4.A, §8: empty floppies/readers are excluded).
func isRemovableNoMedium(sysBlockDir, devDir, name string) bool {
	data, err := os.ReadFile(filepath.Join(sysBlockDir, name, "removable"))
	if err != nil {
		return false
	}
	if strings.TrimSpace(string(data)) != "1" {
		return false
	}

	f, err := openDevice(filepath.Join(devDir, name), os.O_RDONLY, 0)
	if err == nil {
		f.Close()
		return false
	}
	return errors.Is(err, syscall.ENOMEDIUM)
}

// deviceNumber reads /sys/block/<name>/dev, a "major:minor" line.
func deviceNumber(sysBlockDir, name string) (major, minor int, err error) {
	data, err := os.ReadFile(filepath.Join(sysBlockDir, name, "dev"))
	if err != nil {
		return 0, 0, err
	}
	return parseMajorMinor(string(data))
}

func parseMajorMinor(s string) (major, minor int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed major:minor %q", s)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return major, minor, nil
}

// rootDeviceNumber finds the major:minor of the filesystem mounted at
// "/" by scanning /proc/self/mountinfo, the portable equivalent of
// stat("/")'s st_dev used by original_source/disks.c.
func rootDeviceNumber(mountinfoPath string) (major, minor int, err error) {
	f, err := os.Open(mountinfoPath)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// mountID parentID major:minor root mountPoint ...
		if len(fields) < 5 {
			continue
		}
		if fields[4] != "/" {
			continue
		}
		return parseMajorMinor(fields[2])
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, fmt.Errorf("root mount not found in %s", mountinfoPath)
}

// partitionParent resolves the parent device of a partition the same
// way original_source/disks.c's partition_parent does: by reading
// /sys/dev/block/<major>:<minor>/../dev, which resolves through the
// sysfs symlink to the containing disk's own "dev" file.
func partitionParent(sysDevBlockDir string, major, minor int) (pmajor, pminor int, ok bool) {
	// Not filepath.Join: it would clean "M:m/.." away lexically, so the
	// symlink would never be followed.
	path := fmt.Sprintf("%s/%d:%d/../dev", sysDevBlockDir, major, minor)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	pmajor, pminor, err = parseMajorMinor(string(data))
	if err != nil {
		return 0, 0, false
	}
	return pmajor, pminor, true
}
