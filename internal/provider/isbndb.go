package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/cache"
	"github.com/akorhonen/bibfill/internal/config"
	"github.com/akorhonen/bibfill/internal/quota"
	"github.com/akorhonen/bibfill/internal/ratelimit"
	"github.com/spf13/viper"
)

const isbndbPriority = 0 // Highest rank - most comprehensive data, paid

// ISBNdb resolves ISBNs against the ISBNdb API. Paid: every call passes
// through the quota manager.
type ISBNdb struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	quota      *quota.Manager
	baseURL    string
}

// Compile-time check that ISBNdb implements Provider.
var _ Provider = (*ISBNdb)(nil)

// NewISBNdb creates the ISBNdb provider.
func NewISBNdb(q *quota.Manager) *ISBNdb {
	return &ISBNdb{
		httpClient: &http.Client{Timeout: config.TimeoutForTier("small")},
		limiter:    ratelimit.New(NameISBNdb, 1), // paid tier: 1 request per second
		quota:      q,
		baseURL:    "https://api2.isbndb.com",
	}
}

// Name returns the provider identifier.
func (p *ISBNdb) Name() string { return NameISBNdb }

// Priority returns the cascade rank.
func (p *ISBNdb) Priority() int { return isbndbPriority }

// Metered reports that ISBNdb calls are quota-gated.
func (p *ISBNdb) Metered() bool { return true }

// RequestsPerSecond returns the pacing budget.
func (p *ISBNdb) RequestsPerSecond() float64 { return p.limiter.RPS() }

// Available reports whether an API key is configured and budget remains.
func (p *ISBNdb) Available(ctx context.Context) bool {
	return p.apiKey() != "" && p.quota.HasRemaining(ctx, NameISBNdb)
}

// Resolve tries each of the candidate's ISBNs against ISBNdb.
func (p *ISBNdb) Resolve(ctx context.Context, c book.Candidate) (*Resolution, error) {
	var transient error
	for _, raw := range c.ISBNs {
		isbn := book.NormalizeISBN(raw)
		if !book.PlausibleISBN(isbn) {
			continue
		}

		cached, _, err := cache.GetOrFetchWithTTL("isbndb_cache", isbn, func() (*cachedLookup, error) {
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
		return &Resolution{ISBN: isbn, Source: NameISBNdb, Data: cached.Data}, nil
	}
	if transient != nil {
		return nil, transient
	}
	return nil, ErrNotFound
}

// isbndbBookResponse matches the ISBNdb API response structure.
type isbndbBookResponse struct {
	Book struct {
		Title         string   `json:"title"`
		ISBN          string   `json:"isbn"`
		ISBN13        string   `json:"isbn13"`
		Publisher     string   `json:"publisher"`
		Language      string   `json:"language"`
		DatePublished string   `json:"date_published"`
		Pages         *int     `json:"pages"`
		Overview      string   `json:"overview"`
		Synopsis      string   `json:"synopsis"`
		ImageOriginal string   `json:"image_original"`
		Authors       []string `json:"authors"`
		Subjects      []string `json:"subjects"`
	} `json:"book"`
}

func (p *ISBNdb) fetchISBN(ctx context.Context, isbn string) (*cachedLookup, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Provider: NameISBNdb, Err: err}
	}

	url := fmt.Sprintf("%s/book/%s", p.baseURL, isbn)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Provider: NameISBNdb, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &cachedLookup{NotFound: true}, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("ISBNdb API key invalid or expired")
	case transientStatus(resp.StatusCode):
		return nil, &TransientError{Provider: NameISBNdb, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("ISBNdb returned status %d", resp.StatusCode)
	}

	var result isbndbBookResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if result.Book.Title == "" && result.Book.ISBN == "" && result.Book.ISBN13 == "" {
		return &cachedLookup{NotFound: true}, nil
	}

	data := &book.EditionData{}
	if result.Book.Title != "" {
		data.Title = &result.Book.Title
	}
	if result.Book.Publisher != "" {
		data.Publisher = &result.Book.Publisher
	}
	if result.Book.Language != "" {
		data.Language = &result.Book.Language
	}
	if result.Book.DatePublished != "" {
		data.PublishDate = &result.Book.DatePublished
	}
	if result.Book.Pages != nil && *result.Book.Pages > 0 {
		data.PageCount = result.Book.Pages
	}
	if result.Book.ImageOriginal != "" {
		data.CoverURL = &result.Book.ImageOriginal
	}
	// Synopsis is usually the richer field; overview is the fallback.
	if result.Book.Synopsis != "" {
		data.Description = &result.Book.Synopsis
	} else if result.Book.Overview != "" {
		data.Description = &result.Book.Overview
	}
	if len(result.Book.Authors) > 0 {
		data.Authors = result.Book.Authors
	}
	if len(result.Book.Subjects) > 0 {
		subjects := make([]string, 0, len(result.Book.Subjects))
		for _, s := range result.Book.Subjects {
			if s != "" && s != "Subjects" {
				subjects = append(subjects, s)
			}
		}
		if len(subjects) > 0 {
			data.Subjects = subjects
		}
	}

	return &cachedLookup{Data: data}, nil
}

func (p *ISBNdb) apiKey() string {
	return viper.GetString("isbndb.api_key")
}

// cachedLookup wraps EditionData with a not-found marker for negative caching.
type cachedLookup struct {
	Data     *book.EditionData `json:"data"`
	NotFound bool              `json:"not_found"`
}

// transientStatus reports whether an HTTP status should be retried via the
// next provider rather than treated as an authoritative answer.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
