package config

import (
	"fmt"
	"strconv"
	"strings"
)

// tokenizeCmdline splits a /proc/cmdline-style string into tokens,
// honoring double-quoted values the way the kernel command line parser
// does (a quoted value can contain whitespace).
func tokenizeCmdline(s string) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}

// multiValuedKeys is the set of comma-separated p2v.* keys (spec.md §4.H).
var multiValuedKeys = map[string]bool{
	"p2v.disks":      true,
	"p2v.removable":  true,
	"p2v.interfaces": true,
	"p2v.network":    true,
	"p2v.oc":         true,
}

// getCmdlineKey finds the last occurrence of "key" or "key=value"
// among tokens and returns the value (empty string if the key was
// present with no value — the presence-implies-enable case spec.md §9
// says to preserve for p2v.sudo).
func getCmdlineKey(tokens []string, key string) (string, bool) {
	found := false
	var value string
	for _, tok := range tokens {
		if tok == key {
			found = true
			value = ""
			continue
		}
		if strings.HasPrefix(tok, key+"=") {
			found = true
			value = tok[len(key)+1:]
		}
	}
	return value, found
}

// ParseMemory parses a value like "4G" or "512M" into bytes, per
// spec.md §3/§4.H and original_source/kernel.c's scanf-based parser:
// the numeric part is multiplied by 1024*1024 for "M" and
// 1024*1024*1024 for "G".
func ParseMemory(s string) (uint64, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("p2v.memory value %q too short", s)
	}
	suffix := s[len(s)-1]
	numPart := s[:len(s)-1]
	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse p2v.memory %q: %w", s, err)
	}
	switch suffix {
	case 'M':
		return n * 1024 * 1024, nil
	case 'G':
		return n * 1024 * 1024 * 1024, nil
	default:
		return 0, fmt.Errorf("p2v.memory %q must be followed by 'G' or 'M'", s)
	}
}

func splitMulti(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getMultiCmdlineKey is getCmdlineKey for the comma-separated p2v.*
// keys, asserting against multiValuedKeys so a key added to one of the
// splitMulti call sites below without also registering it there (or
// vice versa) fails loudly in tests instead of silently parsing wrong.
func getMultiCmdlineKey(tokens []string, key string) ([]string, bool) {
	if !multiValuedKeys[key] {
		panic(fmt.Sprintf("%s is not registered in multiValuedKeys", key))
	}
	v, ok := getCmdlineKey(tokens, key)
	if !ok {
		return nil, false
	}
	return splitMulti(v), true
}

// ParseCmdline ingests the flat p2v.* key/value command line (spec.md
// §4.H) into a new Config seeded from Default(). p2v.server must be
// present for the headless flow to engage; its absence is not an error
// here (the caller decides whether to fall back to a GUI flow, out of
// scope for this port).
func ParseCmdline(text string) (*Config, error) {
	tokens := tokenizeCmdline(text)
	cfg := Default()

	if v, ok := getCmdlineKey(tokens, "p2v.server"); ok {
		cfg.Server = v
	}
	if v, ok := getCmdlineKey(tokens, "p2v.port"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("cannot parse p2v.port from kernel command line: %w", err)
		}
		cfg.Port = port
	}
	if v, ok := getCmdlineKey(tokens, "p2v.username"); ok {
		cfg.Username = v
	}
	if v, ok := getCmdlineKey(tokens, "p2v.password"); ok {
		cfg.Password = v
	}
	// p2v.sudo: presence (with or without a value) means enabled. This
	// is the Open Question spec.md §9 calls out; preserved as-is.
	if _, ok := getCmdlineKey(tokens, "p2v.sudo"); ok {
		cfg.Sudo = true
	}
	if v, ok := getCmdlineKey(tokens, "p2v.name"); ok {
		cfg.GuestName = v
	}
	if v, ok := getCmdlineKey(tokens, "p2v.vcpus"); ok {
		vcpus, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("cannot parse p2v.vcpus from kernel command line: %w", err)
		}
		cfg.VCPUs = vcpus
	}
	if v, ok := getCmdlineKey(tokens, "p2v.memory"); ok {
		mem, err := ParseMemory(v)
		if err != nil {
			return nil, err
		}
		cfg.MemoryBytes = mem
	}
	if v, ok := getMultiCmdlineKey(tokens, "p2v.disks"); ok {
		cfg.Disks = v
	}
	if v, ok := getMultiCmdlineKey(tokens, "p2v.removable"); ok {
		cfg.Removable = v
	}
	if v, ok := getMultiCmdlineKey(tokens, "p2v.interfaces"); ok {
		cfg.Interfaces = v
	}
	if v, ok := getMultiCmdlineKey(tokens, "p2v.network"); ok {
		cfg.NetworkMap = v
	}
	if v, ok := getCmdlineKey(tokens, "p2v.o"); ok {
		cfg.Output.Type = v
	}
	if v, ok := getCmdlineKey(tokens, "p2v.oa"); ok {
		alloc, err := ParseAllocation(v)
		if err != nil {
			return nil, err
		}
		cfg.Output.Allocation = alloc
	}
	if v, ok := getMultiCmdlineKey(tokens, "p2v.oc"); ok {
		cfg.Output.Misc = v
	}
	if v, ok := getCmdlineKey(tokens, "p2v.of"); ok {
		cfg.Output.Format = v
	}
	if v, ok := getCmdlineKey(tokens, "p2v.os"); ok {
		cfg.Output.Storage = v
	}

	return cfg, nil
}
