// Package diskinfo discovers the non-root, non-empty local block
// devices and removable media candidates for conversion (spec.md §4.A).
package diskinfo

// Inventory is the immutable result of one discovery pass: two sorted
// sets of device basenames, fixed media and removable (optical) media.
type Inventory struct {
	Disks     []string
	Removable []string
}
