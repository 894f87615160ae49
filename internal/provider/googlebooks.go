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
	"github.com/akorhonen/bibfill/internal/quota"
	"github.com/akorhonen/bibfill/internal/ratelimit"
	"github.com/spf13/viper"
)

const googleBooksPriority = 2

// GoogleBooks resolves ISBNs against the Google Books volumes API.
// The free tier has a daily request quota, so calls are metered.
type GoogleBooks struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	quota      *quota.Manager
	baseURL    string
}

// Compile-time check that GoogleBooks implements Provider.
var _ Provider = (*GoogleBooks)(nil)

// NewGoogleBooks creates the Google Books provider.
func NewGoogleBooks(q *quota.Manager) *GoogleBooks {
	return &GoogleBooks{
		httpClient: &http.Client{Timeout: config.TimeoutForTier("small")},
		limiter:    ratelimit.New(NameGoogleBooks, 1),
		quota:      q,
		baseURL:    "https://www.googleapis.com/books/v1",
	}
}

// Name returns the provider identifier.
func (p *GoogleBooks) Name() string { return NameGoogleBooks }

// Priority returns the cascade rank.
func (p *GoogleBooks) Priority() int { return googleBooksPriority }

// Metered reports that Google Books calls are quota-gated.
func (p *GoogleBooks) Metered() bool { return true }

// RequestsPerSecond returns the pacing budget.
func (p *GoogleBooks) RequestsPerSecond() float64 { return p.limiter.RPS() }

// Available reports whether daily budget remains. The API works without a
// key at a lower quota, so only the budget gates availability.
func (p *GoogleBooks) Available(ctx context.Context) bool {
	return p.quota.HasRemaining(ctx, NameGoogleBooks)
}

// Resolve tries each of the candidate's ISBNs against Google Books.
func (p *GoogleBooks) Resolve(ctx context.Context, c book.Candidate) (*Resolution, error) {
	var transient error
	for _, raw := range c.ISBNs {
		isbn := book.NormalizeISBN(raw)
		if !book.PlausibleISBN(isbn) {
			continue
		}

		cached, _, err := cache.GetOrFetchWithTTL("googlebooks_cache", isbn, func() (*cachedLookup, error) {
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
		return &Resolution{ISBN: isbn, Source: NameGoogleBooks, Data: cached.Data}, nil
	}
	if transient != nil {
		return nil, transient
	}
	return nil, ErrNotFound
}

// googleBooksResponse matches the volumes API response structure.
type googleBooksResponse struct {
	TotalItems int `json:"totalItems"`
	Items      []struct {
		VolumeInfo struct {
			Title         string   `json:"title"`
			Subtitle      string   `json:"subtitle"`
			Authors       []string `json:"authors"`
			Publisher     string   `json:"publisher"`
			PublishedDate string   `json:"publishedDate"`
			Description   string   `json:"description"`
			PageCount     int      `json:"pageCount"`
			Categories    []string `json:"categories"`
			Language      string   `json:"language"`
			ImageLinks    struct {
				Thumbnail      string `json:"thumbnail"`
				SmallThumbnail string `json:"smallThumbnail"`
			} `json:"imageLinks"`
		} `json:"volumeInfo"`
	} `json:"items"`
}

func (p *GoogleBooks) fetchISBN(ctx context.Context, isbn string) (*cachedLookup, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Provider: NameGoogleBooks, Err: err}
	}

	url := fmt.Sprintf("%s/volumes?q=isbn:%s", p.baseURL, isbn)
	if apiKey := viper.GetString("googlebooks.api_key"); apiKey != "" {
		url = fmt.Sprintf("%s&key=%s", url, apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Provider: NameGoogleBooks, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if transientStatus(resp.StatusCode) {
		return nil, &TransientError{Provider: NameGoogleBooks, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Google Books returned status %d", resp.StatusCode)
	}

	var result googleBooksResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if result.TotalItems == 0 || len(result.Items) == 0 {
		return &cachedLookup{NotFound: true}, nil
	}

	vol := result.Items[0].VolumeInfo

	data := &book.EditionData{}
	if vol.Title != "" {
		data.Title = &vol.Title
	}
	if vol.Subtitle != "" {
		data.Subtitle = &vol.Subtitle
	}
	if vol.Description != "" {
		data.Description = &vol.Description
	}
	if vol.Publisher != "" {
		data.Publisher = &vol.Publisher
	}
	if vol.PageCount > 0 {
		data.PageCount = &vol.PageCount
	}
	if vol.PublishedDate != "" {
		data.PublishDate = &vol.PublishedDate
	}
	if vol.Language != "" {
		data.Language = &vol.Language
	}

	coverURL := vol.ImageLinks.Thumbnail
	if coverURL == "" {
		coverURL = vol.ImageLinks.SmallThumbnail
	}
	if coverURL != "" {
		// Remove zoom parameter for higher quality.
		coverURL = strings.Replace(coverURL, "zoom=1", "zoom=0", 1)
		data.CoverURL = &coverURL
	}

	if len(vol.Authors) > 0 {
		data.Authors = vol.Authors
	}
	if len(vol.Categories) > 0 {
		data.Subjects = vol.Categories
	}

	return &cachedLookup{Data: data}, nil
}
