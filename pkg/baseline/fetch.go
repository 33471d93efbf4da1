package baseline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// ErrFetch wraps every retrieval failure.
var ErrFetch = errors.New("baseline retrieval failed")

// Archive is a local copy of an upstream release archive. Release removes
// any temporary file created to hold it.
type Archive struct {
	Path    string
	release func() error
}

// Release removes temporary state owned by the archive.
func (a *Archive) Release() error {
	if a == nil || a.release == nil {
		return nil
	}
	return a.release()
}

// Fetcher retrieves an upstream archive as a local file.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (*Archive, error)
}

// HTTPFetcher downloads archives over HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch downloads location into a temporary file.
func (f *HTTPFetcher) Fetch(ctx context.Context, location string) (*Archive, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s returned %s", ErrFetch, location, resp.Status)
	}

	tmp, err := os.CreateTemp("", "hubpack-download-*.zip")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	cleanup := func() error { return os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = cleanup()
		return nil, fmt.Errorf("%w: download interrupted: %v", ErrFetch, err)
	}
	if err := tmp.Close(); err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	return &Archive{Path: tmp.Name(), release: cleanup}, nil
}

// FileFetcher uses an archive already on disk. Nothing is copied or removed.
type FileFetcher struct{}

// Fetch checks that location names a readable file.
func (FileFetcher) Fetch(_ context.Context, location string) (*Archive, error) {
	path := strings.TrimPrefix(location, "file://")
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrFetch, path)
	}
	return &Archive{Path: path}, nil
}

// FetcherFor picks a fetcher from the location's scheme.
func FetcherFor(location string) Fetcher {
	u, err := url.Parse(location)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return &HTTPFetcher{}
	}
	return FileFetcher{}
}
