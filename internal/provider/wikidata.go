package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/cache"
	"github.com/akorhonen/bibfill/internal/config"
	"github.com/akorhonen/bibfill/internal/ratelimit"
)

const wikidataPriority = 3

// Wikidata resolves ISBNs through the Wikidata SPARQL endpoint. Free and
// last in the cascade. Queries touching prolific entities return very large
// result sets, so it gets the mega timeout tier.
type Wikidata struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	baseURL    string
}

// Compile-time check that Wikidata implements Provider.
var _ Provider = (*Wikidata)(nil)

// NewWikidata creates the Wikidata provider.
func NewWikidata() *Wikidata {
	return &Wikidata{
		httpClient: &http.Client{Timeout: config.TimeoutForTier("mega")},
		limiter:    ratelimit.New(NameWikidata, 1),
		baseURL:    "https://query.wikidata.org",
	}
}

// Name returns the provider identifier.
func (p *Wikidata) Name() string { return NameWikidata }

// Priority returns the cascade rank.
func (p *Wikidata) Priority() int { return wikidataPriority }

// Metered reports that Wikidata is unmetered.
func (p *Wikidata) Metered() bool { return false }

// RequestsPerSecond returns the pacing budget.
func (p *Wikidata) RequestsPerSecond() float64 { return p.limiter.RPS() }

// Available always reports true: no credentials, no quota.
func (p *Wikidata) Available(ctx context.Context) bool { return true }

// Resolve tries each of the candidate's ISBNs against Wikidata.
func (p *Wikidata) Resolve(ctx context.Context, c book.Candidate) (*Resolution, error) {
	var transient error
	for _, raw := range c.ISBNs {
		isbn := book.NormalizeISBN(raw)
		if !book.PlausibleISBN(isbn) {
			continue
		}

		cached, _, err := cache.GetOrFetchWithTTL("wikidata_cache", isbn, func() (*cachedLookup, error) {
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
		return &Resolution{ISBN: isbn, Source: NameWikidata, Data: cached.Data}, nil
	}
	if transient != nil {
		return nil, transient
	}
	return nil, ErrNotFound
}

// sparqlResponse matches the SPARQL JSON results format.
type sparqlResponse struct {
	Results struct {
		Bindings []map[string]struct {
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

func (p *Wikidata) fetchISBN(ctx context.Context, isbn string) (*cachedLookup, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Provider: NameWikidata, Err: err}
	}

	// P212 is ISBN-13, P957 is ISBN-10.
	prop := "P212"
	if len(isbn) == 10 {
		prop = "P957"
	}
	query := fmt.Sprintf(`SELECT ?itemLabel ?authorLabel ?publisherLabel ?date ?langCode WHERE {
  ?item wdt:%s "%s" .
  OPTIONAL { ?item wdt:P50 ?author . }
  OPTIONAL { ?item wdt:P123 ?publisher . }
  OPTIONAL { ?item wdt:P577 ?date . }
  OPTIONAL { ?item wdt:P407 ?lang . ?lang wdt:P218 ?langCode . }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en" . }
} LIMIT 20`, prop, isbn)

	reqURL := fmt.Sprintf("%s/sparql?query=%s&format=json", p.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/sparql-results+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Provider: NameWikidata, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if transientStatus(resp.StatusCode) {
		return nil, &TransientError{Provider: NameWikidata, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Wikidata returned status %d", resp.StatusCode)
	}

	var result sparqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Results.Bindings) == 0 {
		return &cachedLookup{NotFound: true}, nil
	}

	data := &book.EditionData{}
	authors := make([]string, 0, 2)
	seenAuthors := make(map[string]bool)
	for _, binding := range result.Results.Bindings {
		if v, ok := binding["itemLabel"]; ok && v.Value != "" && data.Title == nil {
			title := v.Value
			data.Title = &title
		}
		if v, ok := binding["authorLabel"]; ok && v.Value != "" && !seenAuthors[v.Value] {
			seenAuthors[v.Value] = true
			authors = append(authors, v.Value)
		}
		if v, ok := binding["publisherLabel"]; ok && v.Value != "" && data.Publisher == nil {
			pub := v.Value
			data.Publisher = &pub
		}
		if v, ok := binding["date"]; ok && v.Value != "" && data.PublishDate == nil {
			date := v.Value
			data.PublishDate = &date
		}
		if v, ok := binding["langCode"]; ok && v.Value != "" && data.Language == nil {
			lang := v.Value
			data.Language = &lang
		}
	}
	if len(authors) > 0 {
		data.Authors = authors
	}
	if data.Title == nil {
		return &cachedLookup{NotFound: true}, nil
	}

	return &cachedLookup{Data: data}, nil
}
