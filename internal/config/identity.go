package config

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/coreos/virt-p2v/internal/perrors"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// CacheIdentity fetches Identity.URL into a fresh temporary file and
// points Identity.File at it, the Go equivalent of
// original_source/ssh.c's cache_ssh_identity (there implemented by
// shelling out to curl; here with net/http directly, see SPEC_FULL.md
// §6/§9). A no-op when URL is empty or NeedsUpdate is false.
func (id *Identity) CacheIdentity() error {
	if id.URL == "" || !id.NeedsUpdate {
		return nil
	}

	f, err := os.CreateTemp("", "virt-p2v-identity-*")
	if err != nil {
		return perrors.Wrap(perrors.Environment, err, "create identity temp file")
	}
	defer f.Close()

	if err := downloadTo(id.URL, f); err != nil {
		os.Remove(f.Name())
		return err
	}

	id.File = f.Name()
	id.NeedsUpdate = false
	return nil
}

func downloadTo(url string, dst io.Writer) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return perrors.Wrap(perrors.NetworkAuth, err, "fetch identity URL")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return perrors.New(perrors.NetworkAuth, "fetch identity URL %s: HTTP %d", url, resp.StatusCode)
	}

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return perrors.Wrap(perrors.NetworkAuth, err, "write identity file")
	}
	return nil
}
