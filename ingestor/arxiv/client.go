package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fitness-rag/shared/types"
)

// Client represents an arXiv API client
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewClient creates a new arXiv API client. Searches and PDF downloads share one rate limit.
func NewClient(baseURL string, rateLimitPerSecond int, timeout time.Duration) *Client {
	if rateLimitPerSecond <= 0 {
		rateLimitPerSecond = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(rateLimitPerSecond), 1),
	}
}

// SearchParams represents search parameters for arXiv API
type SearchParams struct {
	Query      string
	MaxResults int
	Since      *time.Time // Optional: only papers submitted on or after this date
}

// Search queries arXiv, newest submissions first
func (c *Client) Search(ctx context.Context, params SearchParams) ([]types.Paper, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	queryURL, err := c.buildQueryURL(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build query URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var feed types.ArxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to parse XML response: %w", err)
	}

	return convertEntriesToPapers(feed.Entries), nil
}

// DownloadPDF writes the PDF at pdfURL to dest. A partial download never replaces dest.
func (c *Client) DownloadPDF(ctx context.Context, pdfURL, dest string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PDF download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PDF download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write PDF: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close PDF: %w", err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move PDF into place: %w", err)
	}
	return nil
}

// buildQueryURL constructs the query URL for arXiv API
func (c *Client) buildQueryURL(params SearchParams) (string, error) {
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	searchQuery := params.Query
	if dateQuery := buildDateQuery(params.Since); dateQuery != "" {
		if searchQuery != "" {
			searchQuery = fmt.Sprintf("(%s) AND %s", searchQuery, dateQuery)
		} else {
			searchQuery = dateQuery
		}
	}

	query := baseURL.Query()
	query.Set("search_query", searchQuery)
	query.Set("max_results", strconv.Itoa(params.MaxResults))
	query.Set("sortBy", "submittedDate")
	query.Set("sortOrder", "descending")

	baseURL.RawQuery = query.Encode()
	return baseURL.String(), nil
}

// convertEntriesToPapers skips entries that cannot be parsed
func convertEntriesToPapers(entries []types.ArxivEntry) []types.Paper {
	papers := make([]types.Paper, 0, len(entries))
	for _, entry := range entries {
		paper, err := convertEntryToPaper(entry)
		if err != nil {
			continue
		}
		papers = append(papers, paper)
	}
	return papers
}

// convertEntryToPaper converts a single arXiv entry to Paper struct
func convertEntryToPaper(entry types.ArxivEntry) (types.Paper, error) {
	publishedDate, err := time.Parse(time.RFC3339, strings.TrimSpace(entry.Published))
	if err != nil {
		return types.Paper{}, fmt.Errorf("failed to parse published date: %w", err)
	}

	arxivID := extractArxivID(entry.ID)
	if arxivID == "" {
		return types.Paper{}, fmt.Errorf("entry has no arXiv id")
	}

	authors := make([]string, len(entry.Authors))
	for i, author := range entry.Authors {
		authors[i] = strings.TrimSpace(author.Name)
	}

	categories := make([]string, len(entry.Categories))
	for i, category := range entry.Categories {
		categories[i] = category.Term
	}

	return types.Paper{
		ArxivID:       arxivID,
		Title:         collapseSpace(entry.Title),
		Authors:       authors,
		PublishedDate: publishedDate.UTC(),
		Abstract:      collapseSpace(entry.Summary),
		Categories:    categories,
		PDFURL:        pdfLink(entry),
	}, nil
}

// pdfLink prefers the link titled "pdf" and falls back to the abs URL rewritten
func pdfLink(entry types.ArxivEntry) string {
	for _, link := range entry.Links {
		if link.Title == "pdf" || link.Type == "application/pdf" {
			return link.Href
		}
	}
	return strings.Replace(strings.TrimSpace(entry.ID), "/abs/", "/pdf/", 1)
}

// buildDateQuery constructs the submittedDate range for arXiv API
func buildDateQuery(since *time.Time) string {
	if since == nil {
		return ""
	}
	// arXiv uses YYYYMMDDHHMM for date queries
	return fmt.Sprintf("submittedDate:[%s0000 TO *]", since.UTC().Format("20060102"))
}

// extractArxivID returns the short id, e.g. 2301.00001v1 or hep-th/9901001v1
func extractArxivID(fullURL string) string {
	fullURL = strings.TrimSpace(fullURL)
	if idx := strings.Index(fullURL, "/abs/"); idx >= 0 {
		return fullURL[idx+len("/abs/"):]
	}
	parts := strings.Split(fullURL, "/")
	return parts[len(parts)-1]
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
