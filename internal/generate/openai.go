package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/spf13/viper"

	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/config"
)

const systemPrompt = `You are a bibliographic research assistant. Given a publication month, list notable books first published in that month. Respond with a JSON array only, no prose, where each element has the shape {"author": string, "title": string, "isbns": [string]}. Include ISBN-13 identifiers when you know them, ISBN-10 otherwise. Omit books you cannot name an author and title for.`

// OpenAIConfig holds configuration for the OpenAI candidate generator.
type OpenAIConfig struct {
	APIKey     string
	Model      string        // "gpt-4o-mini" by default
	MaxRetries int           // Retry attempts for transient API failures
	Timeout    time.Duration // HTTP timeout
	BaseURL    string        // Optional (tests)
}

// OpenAI generates candidates with a chat completion call per month.
type OpenAI struct {
	client     openai.Client
	model      string
	maxRetries int
}

// NewOpenAI creates a generator from config, reading defaults from viper.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = viper.GetString("openai.model")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = config.TimeoutForTier("mega")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
	}
}

// Generate asks the model for books published in the given month. Transient
// API failures are retried before giving up on the attempt.
func (g *OpenAI) Generate(ctx context.Context, month book.Month) ([]book.Candidate, error) {
	prompt := fmt.Sprintf("List notable books first published in %s.", month)

	var content string
	err := retry.Do(
		func() error {
			resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
				Model: openai.ChatModel(g.model),
				Messages: []openai.ChatCompletionMessageParamUnion{
					openai.SystemMessage(systemPrompt),
					openai.UserMessage(prompt),
				},
				Temperature: openai.Float(0.2),
			})
			if err != nil {
				return err
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}
			content = resp.Choices[0].Message.Content
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(g.maxRetries)),
		retry.Delay(2*time.Second),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Retrying candidate generation", "month", month.String(), "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, &GenerationError{Month: month, Err: err}
	}

	candidates, err := ParseCandidates(content)
	if err != nil {
		return nil, &GenerationError{Month: month, Err: err}
	}

	slog.Debug("Generated candidates", "month", month.String(), "count", len(candidates))
	return candidates, nil
}

// ParseCandidates decodes a model response into candidates. Markdown code
// fences around the JSON are tolerated, rows without both author and title
// are dropped, and ISBNs are normalized with implausible ones removed.
func ParseCandidates(content string) ([]book.Candidate, error) {
	raw := stripCodeFence(content)

	var rows []book.Candidate
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, fmt.Errorf("parsing candidate list: %w", err)
	}

	candidates := make([]book.Candidate, 0, len(rows))
	for _, row := range rows {
		row.Author = strings.TrimSpace(row.Author)
		row.Title = strings.TrimSpace(row.Title)
		if row.Author == "" || row.Title == "" {
			continue
		}
		var isbns []string
		for _, isbn := range row.ISBNs {
			normalized := book.NormalizeISBN(isbn)
			if book.PlausibleISBN(normalized) {
				isbns = append(isbns, normalized)
			}
		}
		row.ISBNs = isbns
		candidates = append(candidates, row)
	}
	return candidates, nil
}

// stripCodeFence removes a surrounding markdown fence, with or without a
// language tag, from a model response.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line ("json" or similar).
		first := strings.TrimSpace(s[:idx])
		if first == "" || !strings.HasPrefix(first, "[") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
