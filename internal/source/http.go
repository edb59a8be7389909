package source

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// artifactMeta is the JSON body served at <base>/latest by an artifact
// server: the newest revision, when it was produced, and where the
// packed tree lives.
type artifactMeta struct {
	Revision  string    `json:"revision"`
	FetchedAt time.Time `json:"fetched_at"`
	URL       string    `json:"url"`
}

// HTTP polls a flux-style artifact server. The server advertises the
// newest revision at <base>/latest and serves the manifest tree as a
// gzipped tarball.
type HTTP struct {
	base   *url.URL
	client *http.Client
}

// NewHTTP creates an HTTP artifact driver for the given base URL.
func NewHTTP(baseURL string, timeout time.Duration) (*HTTP, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	return &HTTP{
		base:   u,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Latest fetches the advertised revision and unpacks its tree.
func (h *HTTP) Latest(ctx context.Context) (Revision, Tree, error) {
	meta, err := h.fetchMeta(ctx)
	if err != nil {
		return Revision{}, nil, err
	}

	contentURL := meta.URL
	if contentURL == "" {
		contentURL = strings.TrimSuffix(h.base.String(), "/") + "/" + meta.Revision + ".tar.gz"
	} else if ref, err := url.Parse(contentURL); err == nil {
		contentURL = h.base.ResolveReference(ref).String()
	}

	tree, err := h.fetchTree(ctx, contentURL)
	if err != nil {
		return Revision{}, nil, err
	}

	ts := meta.FetchedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Revision{Digest: meta.Revision, Timestamp: ts}, tree, nil
}

func (h *HTTP) fetchMeta(ctx context.Context) (artifactMeta, error) {
	u := strings.TrimSuffix(h.base.String(), "/") + "/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return artifactMeta{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return artifactMeta{}, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, u); err != nil {
		return artifactMeta{}, err
	}

	var meta artifactMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return artifactMeta{}, fmt.Errorf("decode artifact metadata: %w", err)
	}
	if meta.Revision == "" {
		return artifactMeta{}, fmt.Errorf("artifact metadata at %s has no revision", u)
	}
	return meta, nil
}

func (h *HTTP) fetchTree(ctx context.Context, contentURL string) (Tree, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", contentURL, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, contentURL); err != nil {
		return nil, err
	}
	return unpack(resp.Body)
}

func checkStatus(resp *http.Response, u string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, u)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, u)
	default:
		return fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}
}

// unpack extracts YAML files from a gzipped tarball into a tree. Entries
// that escape the archive root are rejected.
func unpack(r io.Reader) (Tree, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open artifact archive: %w", err)
	}
	defer gz.Close()

	tree := Tree{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read artifact archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == ".." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return nil, fmt.Errorf("artifact entry escapes archive root: %q", hdr.Name)
		}
		if !isYAML(name) {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read artifact entry %s: %w", name, err)
		}
		tree[name] = data
	}
	return tree, nil
}
