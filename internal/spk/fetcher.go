package spk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultKernelURL = "https://ssd.jpl.nasa.gov/ftp/eph/planets/bsp/de440s.bsp"

// maxKernelBytes caps kernel downloads. The DE excerpt kernels are tens
// of megabytes; anything past this limit is a misconfigured URL, not an
// ephemeris.
const maxKernelBytes = 256 << 20

// Fetcher retrieves kernel files over HTTP. Mirrors are tried in order
// after the primary URL fails; a mirror failure is logged and the next
// one tried.
type Fetcher struct {
	primary    string
	mirrors    []string
	httpClient *http.Client
	logger     *slog.Logger
	maxBytes   int64
}

// NewFetcher creates a Fetcher for the given kernel URL plus optional
// mirrors.
func NewFetcher(url string, logger *slog.Logger, mirrors ...string) *Fetcher {
	if url == "" {
		url = defaultKernelURL
	}
	return &Fetcher{
		primary: url,
		mirrors: mirrors,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger:   logger,
		maxBytes: maxKernelBytes,
	}
}

// SourceURL returns the configured primary URL.
func (f *Fetcher) SourceURL() string {
	return f.primary
}

// Fetch downloads the kernel, falling back through mirrors. The returned
// bytes are the raw kernel file.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	urls := append([]string{f.primary}, f.mirrors...)

	var lastErr error
	for i, url := range urls {
		data, err := f.fetchOne(ctx, url)
		if err == nil {
			if i > 0 {
				f.logger.Info("kernel fetched from mirror", "url", url)
			}
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(urls)-1 {
			f.logger.Warn("kernel fetch failed, trying next mirror", "url", url, "error", err)
		}
	}
	return nil, fmt.Errorf("all kernel sources failed: %w", lastErr)
}

// FetchAll downloads several kernels concurrently, keyed by URL. One
// failure fails the whole batch; partial kernel sets are not useful.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) (map[string][]byte, error) {
	var mu sync.Mutex
	out := make(map[string][]byte, len(urls))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, url := range urls {
		eg.Go(func() error {
			data, err := f.fetchOne(egCtx, url)
			if err != nil {
				return err
			}
			mu.Lock()
			out[url] = data
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching kernel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	}

	// Read one byte past the cap to tell "exactly at the limit" from
	// "over it".
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("response from %s exceeds %d byte limit", url, f.maxBytes)
	}

	return body, nil
}
