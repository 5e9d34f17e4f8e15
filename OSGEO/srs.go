package OSGEO

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/natefinch/atomic"
)

// ErrUnknownSRS is returned when the registry has no definition for a code.
var ErrUnknownSRS = errors.New("unknown spatial reference")

// SRSRegistry fetches WKT definitions by EPSG code from an epsg.io style
// registry and keeps them on disk under {cacheDir}/srs_wkt/{code}.wkt forever.
type SRSRegistry struct {
	baseURL  string
	cacheDir string
	client   *http.Client

	mu  sync.Mutex
	mem map[int]string

	// MaxElapsed bounds the retry loop of a single fetch.
	MaxElapsed time.Duration
}

func NewSRSRegistry(baseURL, cacheDir string, client *http.Client) *SRSRegistry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SRSRegistry{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cacheDir:   filepath.Join(cacheDir, "srs_wkt"),
		client:     client,
		mem:        map[int]string{},
		MaxElapsed: 30 * time.Second,
	}
}

// ParseCRS splits "AUTHORITY:CODE" and returns the numeric code.
func ParseCRS(crs string) (string, int, error) {
	parts := strings.SplitN(crs, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid CRS format %q, must be 'AUTHORITY:CODE', e.g. 'EPSG:3857'", crs)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid CRS code %q: %w", crs, err)
	}
	return strings.ToUpper(parts[0]), code, nil
}

func (r *SRSRegistry) cachePath(code int) string {
	return filepath.Join(r.cacheDir, strconv.Itoa(code)+".wkt")
}

// WKT returns the definition for code, from memory, disk, or the registry.
func (r *SRSRegistry) WKT(ctx context.Context, code int) (string, error) {
	r.mu.Lock()
	if wkt, ok := r.mem[code]; ok {
		r.mu.Unlock()
		return wkt, nil
	}
	r.mu.Unlock()

	if b, err := os.ReadFile(r.cachePath(code)); err == nil && len(b) > 0 {
		wkt := string(b)
		r.remember(code, wkt)
		return wkt, nil
	}

	wkt, err := r.fetch(ctx, code)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.cacheDir, os.ModePerm); err != nil {
		log.Printf("srs cache dir: %v", err)
	} else if err := atomic.WriteFile(r.cachePath(code), strings.NewReader(wkt)); err != nil {
		log.Printf("srs cache write %d: %v", code, err)
	}
	r.remember(code, wkt)
	return wkt, nil
}

func (r *SRSRegistry) remember(code int, wkt string) {
	r.mu.Lock()
	r.mem[code] = wkt
	r.mu.Unlock()
}

func (r *SRSRegistry) fetch(ctx context.Context, code int) (string, error) {
	url := fmt.Sprintf("%s/%d.wkt", r.baseURL, code)
	var wkt string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: EPSG:%d", ErrUnknownSRS, code))
		case resp.StatusCode >= 500:
			return fmt.Errorf("srs registry %s: %s", url, resp.Status)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("srs registry %s: %s", url, resp.Status))
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		wkt = strings.TrimSpace(string(b))
		if wkt == "" {
			return backoff.Permanent(fmt.Errorf("%w: EPSG:%d empty definition", ErrUnknownSRS, code))
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = r.MaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return "", err
	}
	return wkt, nil
}
