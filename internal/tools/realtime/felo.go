// Package realtime implements the live web lookup tool backed by an
// aggregated SSE search API.
package realtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultEndpoint = "https://api.felo.ai/search/threads"

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) Edge/120.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Source is one citation extracted from the search results.
type Source struct {
	Link       string `json:"link"`
	Title      string `json:"title,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
	EngineName string `json:"engine_name,omitempty"`
}

// SearchResult is the aggregated outcome of one search.
type SearchResult struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// Client performs searches against the aggregated API. The upstream responds
// with an SSE stream of typed events; the client collects them and distills a
// final answer plus deduplicated citations.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the search API endpoint.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient substitutes the HTTP client, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient returns a search client with a 30 second request timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		endpoint: defaultEndpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchPayload struct {
	Query         string         `json:"query"`
	SearchUUID    string         `json:"search_uuid"`
	Lang          string         `json:"lang"`
	AgentLang     string         `json:"agent_lang"`
	SearchOptions map[string]any `json:"search_options"`
	SearchVideo   bool           `json:"search_video"`
	ContextsFrom  string         `json:"contexts_from"`
}

// Search runs one query and aggregates the event stream into a result.
func (c *Client) Search(ctx context.Context, query string) (*SearchResult, error) {
	payload := searchPayload{
		Query:         query,
		SearchUUID:    uuid.NewString(),
		AgentLang:     "en",
		SearchOptions: map[string]any{"langcode": "en-US"},
		SearchVideo:   true,
		ContextsFrom:  "google",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode search payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://felo.ai")
	req.Header.Set("Referer", "https://felo.ai/")
	req.Header.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search request: unexpected status %d", resp.StatusCode)
	}

	byType := collectEvents(bufio.NewScanner(resp.Body))
	return distill(byType), nil
}

// collectEvents reads SSE blocks and groups their data payloads by the
// "type" field each event carries.
func collectEvents(scanner *bufio.Scanner) map[string][]json.RawMessage {
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	byType := make(map[string][]json.RawMessage)

	var dataLines []string
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		raw := strings.TrimSpace(strings.Join(dataLines, "\n"))
		dataLines = nil
		if !strings.HasPrefix(raw, "{") && !strings.HasPrefix(raw, "[") {
			return
		}

		var evt struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(raw), &evt); err != nil || evt.Type == "" {
			return
		}
		payload := evt.Data
		if len(payload) == 0 {
			payload = json.RawMessage(raw)
		}
		byType[evt.Type] = append(byType[evt.Type], payload)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if !found {
			field, value = line, ""
		}
		if field == "data" {
			dataLines = append(dataLines, strings.TrimPrefix(value, " "))
		}
	}
	flush()

	return byType
}

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// distill picks the final answer text and the citation list out of the
// grouped events. Answer candidates come from several event types and
// several field names; the longest candidate wins because the upstream
// streams progressively longer snapshots of the same answer.
func distill(byType map[string][]json.RawMessage) *SearchResult {
	var candidates []string
	push := func(s string) {
		if t := strings.TrimSpace(s); t != "" {
			candidates = append(candidates, t)
		}
	}

	for _, eventType := range []string{"answer", "message", "deduction_info"} {
		for _, raw := range byType[eventType] {
			var obj struct {
				Text    string `json:"text"`
				Delta   string `json:"delta"`
				Content string `json:"content"`
				Message string `json:"message"`
				Answer  string `json:"answer"`
				HTML    string `json:"html"`
			}
			if err := json.Unmarshal(raw, &obj); err != nil {
				continue
			}
			push(obj.Text)
			push(obj.Delta)
			push(obj.Content)
			push(obj.Message)
			push(obj.Answer)
			if obj.HTML != "" {
				stripped := htmlTagRe.ReplaceAllString(obj.HTML, " ")
				push(strings.Join(strings.Fields(stripped), " "))
			}
		}
	}

	answer := ""
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return len(candidates[i]) > len(candidates[j])
		})
		answer = candidates[0]
	}

	var sources []Source
	seen := make(map[string]struct{})
	for _, raw := range byType["final_contexts"] {
		var ctx struct {
			Sources []struct {
				Link       string `json:"link"`
				URL        string `json:"url"`
				Href       string `json:"href"`
				Title      string `json:"title"`
				Snippet    string `json:"snippet"`
				EngineName string `json:"engine_name"`
			} `json:"sources"`
		}
		if err := json.Unmarshal(raw, &ctx); err != nil {
			continue
		}
		for _, s := range ctx.Sources {
			link := s.Link
			if link == "" {
				link = s.URL
			}
			if link == "" {
				link = s.Href
			}
			if link == "" {
				continue
			}
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			sources = append(sources, Source{
				Link:       link,
				Title:      s.Title,
				Snippet:    s.Snippet,
				EngineName: s.EngineName,
			})
		}
	}

	return &SearchResult{Answer: answer, Sources: sources}
}
