package plex

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"capstan/internal/config"
)

const userAgent = "Capstan/0.1.0"

// Refresher triggers a Plex library scan after an export lands.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// NewRefresher builds a refresher from the Plex settings. A noop is returned
// when the integration is disabled or missing its URL or token, so callers
// can refresh unconditionally.
func NewRefresher(cfg *config.Config) Refresher {
	settings := cfg.Plex
	baseURL := strings.TrimRight(strings.TrimSpace(settings.URL), "/")
	token := strings.TrimSpace(settings.Token)
	if !settings.Enabled || baseURL == "" || token == "" {
		return noopRefresher{}
	}
	return &httpRefresher{
		baseURL: baseURL,
		token:   token,
		section: strings.TrimSpace(settings.SectionID),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type httpRefresher struct {
	baseURL string
	token   string
	section string
	client  *http.Client

	mu       sync.Mutex
	sections map[string]string
}

func (r *httpRefresher) Refresh(ctx context.Context) error {
	key, err := r.sectionKey(ctx)
	if err != nil {
		return err
	}

	refreshURL := fmt.Sprintf("%s/library/sections/%s/refresh", r.baseURL, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, refreshURL, nil)
	if err != nil {
		return fmt.Errorf("build plex refresh request: %w", err)
	}
	r.decorate(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh plex library: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("plex refresh returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// sectionKey resolves the configured section to a Plex section key. Numeric
// values are used as-is, names are matched against the section listing, and
// an empty value scans every library.
func (r *httpRefresher) sectionKey(ctx context.Context) (string, error) {
	if r.section == "" {
		return "all", nil
	}
	if _, err := strconv.Atoi(r.section); err == nil {
		return r.section, nil
	}

	sections, err := r.ensureSections(ctx)
	if err != nil {
		return "", err
	}
	key, ok := sections[strings.ToLower(r.section)]
	if !ok {
		return "", fmt.Errorf("plex library %q not found", r.section)
	}
	return key, nil
}

func (r *httpRefresher) ensureSections(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sections != nil {
		return r.sections, nil
	}

	sectionsURL := fmt.Sprintf("%s/library/sections", r.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sectionsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build plex sections request: %w", err)
	}
	r.decorate(req)
	req.Header.Set("Accept", "application/xml")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch plex sections: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("plex sections returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	type directory struct {
		Key   string `xml:"key,attr"`
		Title string `xml:"title,attr"`
	}
	type mediaContainer struct {
		Directories []directory `xml:"Directory"`
	}

	var container mediaContainer
	if err := xml.NewDecoder(resp.Body).Decode(&container); err != nil {
		return nil, fmt.Errorf("decode plex sections: %w", err)
	}

	sections := make(map[string]string, len(container.Directories))
	for _, dir := range container.Directories {
		if dir.Key == "" || dir.Title == "" {
			continue
		}
		sections[strings.ToLower(dir.Title)] = dir.Key
	}
	r.sections = sections
	return sections, nil
}

func (r *httpRefresher) decorate(req *http.Request) {
	req.Header.Set("X-Plex-Token", r.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

type noopRefresher struct{}

func (noopRefresher) Refresh(context.Context) error { return nil }
