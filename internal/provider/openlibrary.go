package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/cache"
	"github.com/akorhonen/bibfill/internal/config"
	"github.com/akorhonen/bibfill/internal/ratelimit"
)

const openLibraryPriority = 1

// OpenLibrary resolves ISBNs against the Open Library API. Free, no quota;
// the book+edition fan-out returns large payloads, so it gets the large
// timeout tier.
type OpenLibrary struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	baseURL    string
}

// Compile-time check that OpenLibrary implements Provider.
var _ Provider = (*OpenLibrary)(nil)

// NewOpenLibrary creates the Open Library provider.
func NewOpenLibrary() *OpenLibrary {
	return &OpenLibrary{
		httpClient: &http.Client{Timeout: config.TimeoutForTier("large")},
		limiter:    ratelimit.New(NameOpenLibrary, 1),
		baseURL:    "https://openlibrary.org",
	}
}

// Name returns the provider identifier.
func (p *OpenLibrary) Name() string { return NameOpenLibrary }

// Priority returns the cascade rank.
func (p *OpenLibrary) Priority() int { return openLibraryPriority }

// Metered reports that Open Library is unmetered.
func (p *OpenLibrary) Metered() bool { return false }

// RequestsPerSecond returns the pacing budget.
func (p *OpenLibrary) RequestsPerSecond() float64 { return p.limiter.RPS() }

// Available always reports true: no credentials, no quota.
func (p *OpenLibrary) Available(ctx context.Context) bool { return true }

// Resolve tries each of the candidate's ISBNs against Open Library.
func (p *OpenLibrary) Resolve(ctx context.Context, c book.Candidate) (*Resolution, error) {
	var transient error
	for _, raw := range c.ISBNs {
		isbn := book.NormalizeISBN(raw)
		if !book.PlausibleISBN(isbn) {
			continue
		}

		cached, _, err := cache.GetOrFetchWithTTL("openlibrary_cache", isbn, func() (*cachedLookup, error) {
			return p.fetchISBN(ctx, isbn)
		}, cache.SelectNegativeCacheTTL(func(r *cachedLookup) bool {
			return r.NotFound
		}))
		if err != nil {
			if IsTransient(err) {
				transient = err
				continue
			}
			return nil, err
		}
		if cached.NotFound {
			continue
		}
		return &Resolution{ISBN: isbn, Source: NameOpenLibrary, Data: cached.Data}, nil
	}
	if transient != nil {
		return nil, transient
	}
	return nil, ErrNotFound
}

// openLibraryBookResponse matches the books API response structure.
type openLibraryBookResponse struct {
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle"`
	Description any    `json:"description"`
	Publishers  []struct {
		Name string `json:"name"`
	} `json:"publishers"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
	Cover struct {
		Large string `json:"large"`
	} `json:"cover"`
	Subjects      []any  `json:"subjects"`
	NumberOfPages int    `json:"number_of_pages"`
	PublishDate   string `json:"publish_date"`
}

// openLibraryEditionResponse matches the edition API response.
type openLibraryEditionResponse struct {
	NumberOfPages int      `json:"number_of_pages"`
	Publishers    []string `json:"publishers"`
	Languages     []struct {
		Key string `json:"key"`
	} `json:"languages"`
	Subjects []string `json:"subjects"`
}

func (p *OpenLibrary) fetchISBN(ctx context.Context, isbn string) (*cachedLookup, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Provider: NameOpenLibrary, Err: err}
	}

	url := fmt.Sprintf("%s/api/books?bibkeys=ISBN:%s&format=json&jscmd=data", p.baseURL, isbn)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Provider: NameOpenLibrary, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if transientStatus(resp.StatusCode) {
		return nil, &TransientError{Provider: NameOpenLibrary, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OpenLibrary returned status %d", resp.StatusCode)
	}

	var result map[string]openLibraryBookResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(result) == 0 {
		return &cachedLookup{NotFound: true}, nil
	}

	olBook := result["ISBN:"+isbn]

	data := &book.EditionData{}
	if olBook.Title != "" {
		data.Title = &olBook.Title
	}
	if olBook.Subtitle != "" {
		data.Subtitle = &olBook.Subtitle
	}
	if desc := extractDescription(olBook.Description); desc != "" {
		data.Description = &desc
	}
	if len(olBook.Publishers) > 0 {
		data.Publisher = &olBook.Publishers[0].Name
	}
	if olBook.NumberOfPages > 0 {
		data.PageCount = &olBook.NumberOfPages
	}
	if olBook.Cover.Large != "" {
		data.CoverURL = &olBook.Cover.Large
	}
	if olBook.PublishDate != "" {
		data.PublishDate = &olBook.PublishDate
	}
	if len(olBook.Authors) > 0 {
		authors := make([]string, 0, len(olBook.Authors))
		for _, author := range olBook.Authors {
			if author.Name != "" {
				authors = append(authors, author.Name)
			}
		}
		if len(authors) > 0 {
			data.Authors = authors
		}
	}
	data.Subjects = extractStringSlice(olBook.Subjects)

	// The edition endpoint often fills gaps the data endpoint leaves.
	if edition, err := p.fetchEdition(ctx, isbn); err == nil && edition != nil {
		if data.PageCount == nil && edition.NumberOfPages > 0 {
			data.PageCount = &edition.NumberOfPages
		}
		if data.Publisher == nil && len(edition.Publishers) > 0 {
			data.Publisher = &edition.Publishers[0]
		}
		if len(edition.Languages) > 0 {
			// Extract language code from key like "/languages/eng".
			if parts := strings.Split(edition.Languages[0].Key, "/"); len(parts) > 0 {
				lang := parts[len(parts)-1]
				data.Language = &lang
			}
		}
		if len(data.Subjects) == 0 && len(edition.Subjects) > 0 {
			data.Subjects = edition.Subjects
		}
	}

	return &cachedLookup{Data: data}, nil
}

func (p *OpenLibrary) fetchEdition(ctx context.Context, isbn string) (*openLibraryEditionResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/isbn/%s.json", p.baseURL, isbn)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("edition request returned status %d", resp.StatusCode)
	}

	var edition openLibraryEditionResponse
	if err := json.NewDecoder(resp.Body).Decode(&edition); err != nil {
		return nil, err
	}
	return &edition, nil
}

// extractDescription handles the forms description can take.
func extractDescription(desc any) string {
	if desc == nil {
		return ""
	}
	switch v := desc.(type) {
	case string:
		return v
	case map[string]any:
		if val, ok := v["value"].(string); ok {
			return val
		}
	}
	return ""
}

// extractStringSlice converts []any to []string, handling both plain strings
// and {"name": ...} objects.
func extractStringSlice(items []any) []string {
	if len(items) == 0 {
		return nil
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			result = append(result, v)
		case map[string]any:
			if name, ok := v["name"].(string); ok {
				result = append(result, name)
			}
		}
	}
	return result
}
