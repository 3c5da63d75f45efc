package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tofut/tredy/internal/transcript"
)

const userAgent = "Mozilla/5.0 (compatible; tredy/1.0)"

var (
	reScript  = regexp.MustCompile(`(?is)<script.*?</script>`)
	reStyle   = regexp.MustCompile(`(?is)<style.*?</style>`)
	reComment = regexp.MustCompile(`(?s)<!--.*?-->`)
	reBlock   = regexp.MustCompile(`(?i)<(br|p|div|h[1-6]|li|tr)[^>]*>`)
	reTag     = regexp.MustCompile(`<[^>]+>`)
	reSpace   = regexp.MustCompile(`[ \t]+`)
	reTitle   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

	reResultLink    = regexp.MustCompile(`<a[^>]*class="result__a"[^>]*href="([^"]*)"[^>]*>([^<]*)</a>`)
	reResultSnippet = regexp.MustCompile(`(?s)<a[^>]*class="result__snippet"[^>]*>(.*?)</a>`)
)

// maxFetchChars bounds the text returned to the model.
const maxFetchChars = 50000

// WebFetch fetches content from URLs
type WebFetch struct {
	client *http.Client
}

// NewWebFetch creates a new web fetch tool
func NewWebFetch() *WebFetch {
	return &WebFetch{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *WebFetch) Name() string {
	return "web_fetch"
}

func (t *WebFetch) Description() string {
	return `Fetch content from a URL and return its text with HTML stripped.
Use it to read pages found with web_search before answering.`
}

func (t *WebFetch) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "The URL to fetch"
			},
			"raw": {
				"type": "boolean",
				"description": "Return raw HTML instead of stripped text (default: false)"
			}
		},
		"required": ["url"]
	}`)
}

type webFetchParams struct {
	URL string `json:"url"`
	Raw bool   `json:"raw"`
}

func (t *WebFetch) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p webFetchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &Result{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}, nil
	}

	if p.URL == "" {
		return &Result{Content: "URL is required", IsError: true}, nil
	}
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		p.URL = "https://" + p.URL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return &Result{Content: fmt.Sprintf("Failed to create request: %v", err), IsError: true}, nil
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return &Result{Content: fmt.Sprintf("Failed to fetch URL: %v", err), IsError: true}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Result{Content: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status), IsError: true}, nil
	}

	// 1MB is plenty for text extraction
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return &Result{Content: fmt.Sprintf("Failed to read response: %v", err), IsError: true}, nil
	}

	page := string(body)
	title := p.URL
	if m := reTitle.FindStringSubmatch(page); m != nil {
		if s := strings.TrimSpace(html.UnescapeString(m[1])); s != "" {
			title = s
		}
	}

	content := page
	if !p.Raw {
		content = cleanText(stripHTML(content))
		if len(content) > maxFetchChars {
			content = content[:maxFetchChars] + "\n\n[Content truncated - too long]"
		}
	}

	return &Result{
		Content: fmt.Sprintf("Fetched %s (%d bytes):\n\n%s", p.URL, len(body), content),
		Sources: []transcript.Source{{Title: title, URL: p.URL}},
	}, nil
}

// stripHTML removes HTML tags and extracts text content
func stripHTML(s string) string {
	s = reScript.ReplaceAllString(s, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reComment.ReplaceAllString(s, "")
	s = reBlock.ReplaceAllString(s, "\n")
	s = reTag.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

// cleanText collapses whitespace and drops blank lines.
func cleanText(text string) string {
	text = reSpace.ReplaceAllString(text, " ")

	var cleaned []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}

// WebSearch performs web searches against the DuckDuckGo HTML endpoint.
type WebSearch struct {
	client   *http.Client
	endpoint string
}

// NewWebSearch creates a new web search tool
func NewWebSearch() *WebSearch {
	return &WebSearch{
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: "https://html.duckduckgo.com/html/",
	}
}

// WithEndpoint points the search at another server speaking the same HTML format.
func (t *WebSearch) WithEndpoint(endpoint string) *WebSearch {
	t.endpoint = endpoint
	return t
}

func (t *WebSearch) Name() string {
	return "web_search"
}

func (t *WebSearch) Description() string {
	return `Search the web. Returns result titles, URLs, and snippets.
Use it for current events or anything you are unsure about.`
}

func (t *WebSearch) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query"
			},
			"max_results": {
				"type": "integer",
				"description": "Maximum number of results to return (default: 5)"
			}
		},
		"required": ["query"]
	}`)
}

type webSearchParams struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

func (t *WebSearch) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p webSearchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &Result{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}, nil
	}

	if p.Query == "" {
		return &Result{Content: "Query is required", IsError: true}, nil
	}
	if p.MaxResults <= 0 {
		p.MaxResults = 5
	}

	searchURL := t.endpoint + "?q=" + url.QueryEscape(p.Query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return &Result{Content: fmt.Sprintf("Failed to create request: %v", err), IsError: true}, nil
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return &Result{Content: fmt.Sprintf("Search failed: %v", err), IsError: true}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Result{Content: fmt.Sprintf("Search failed: HTTP %d", resp.StatusCode), IsError: true}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return &Result{Content: fmt.Sprintf("Failed to read response: %v", err), IsError: true}, nil
	}

	results := parseSearchResults(string(body), p.MaxResults)
	if len(results) == 0 {
		return &Result{Content: fmt.Sprintf("No results found for: %s", p.Query)}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s\n\n", p.Query)
	sources := make([]transcript.Source, 0, len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r.Title)
		fmt.Fprintf(&sb, "   URL: %s\n", r.URL)
		fmt.Fprintf(&sb, "   %s\n\n", r.Snippet)
		sources = append(sources, transcript.Source{Title: r.Title, URL: r.URL, Text: r.Snippet})
	}

	return &Result{Content: sb.String(), Sources: sources}, nil
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

func parseSearchResults(page string, maxResults int) []searchResult {
	var results []searchResult

	linkMatches := reResultLink.FindAllStringSubmatch(page, maxResults)
	snippetMatches := reResultSnippet.FindAllStringSubmatch(page, maxResults)

	for i, match := range linkMatches {
		result := searchResult{
			URL:   resolveRedirect(html.UnescapeString(match[1])),
			Title: strings.TrimSpace(html.UnescapeString(match[2])),
		}
		if i < len(snippetMatches) {
			result.Snippet = strings.TrimSpace(stripHTML(snippetMatches[i][1]))
		}
		if result.Title != "" && result.URL != "" {
			results = append(results, result)
		}
	}

	return results
}

// resolveRedirect unwraps DuckDuckGo's //duckduckgo.com/l/?uddg=<url> links.
func resolveRedirect(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return link
}
