package control

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRemoteDirNameFormat(t *testing.T) {
	now := time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC)
	name, err := RemoteDirName(now)
	assert.NoError(t, err)

	const prefix = "/tmp/virt-p2v-20260731-"
	assert.True(t, strings.HasPrefix(name, prefix), "name = %q, want prefix %q", name, prefix)

	suffix := name[len(prefix):]
	assert.Len(t, suffix, 8)
	for _, r := range suffix {
		assert.Contains(t, suffixAlphabet, string(r))
	}
}

func TestRemoteDirNameNoShellMetacharacters(t *testing.T) {
	name, err := RemoteDirName(time.Now().UTC())
	assert.NoError(t, err)
	for _, c := range []string{" ", "'", "\"", "$", "`", ";", "&", "|"} {
		assert.NotContains(t, name, c)
	}
}
