package dataconn

import "testing"

func TestPortfwdRegexp(t *testing.T) {
	groups := portfwdRe.FindStringSubmatch("Allocated port 42391 for remote forward\r\n")
	if groups == nil || groups[1] != "42391" {
		t.Errorf("groups = %v, want [.. 42391]", groups)
	}
}
