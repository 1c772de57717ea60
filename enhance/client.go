// enhance/client.go

// Package enhance rewrites a note's content through an OpenAI-compatible
// chat-completions endpoint.
package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ViniZap4/lumi-ideas/domain"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"

	// MinContentLength is counted in runes after trimming.
	MinContentLength = 10

	maxTokens   = 1500
	temperature = 0.7
)

const systemPrompt = "You are an expert assistant that improves ideas and written content. " +
	"Reply only with the improved content in Markdown, without extra explanations."

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// PlaceholderTitle is shown to the model when the note has no title.
	PlaceholderTitle string
	HTTPClient       *http.Client
	Logger           zerolog.Logger
}

type Request struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type Result struct {
	EnhancedContent string `json:"enhancedContent"`
	OriginalContent string `json:"originalContent"`
	OriginalTitle   string `json:"originalTitle"`
}

type Client struct {
	apiKey      string
	baseURL     string
	model       string
	placeholder string
	http        *http.Client
	logger      zerolog.Logger
}

func New(cfg Config) *Client {
	c := &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		placeholder: cfg.PlaceholderTitle,
		http:        cfg.HTTPClient,
		logger:      cfg.Logger.With().Str("component", "enhance").Logger(),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.placeholder == "" {
		c.placeholder = "Untitled"
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	return c
}

// Validate reports why content would be rejected without calling out.
func Validate(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return &domain.EnhancementError{Message: "content cannot be empty", Err: domain.ErrValidationSkip}
	}
	if utf8.RuneCountInString(trimmed) < MinContentLength {
		return &domain.EnhancementError{Message: "content is too short to enhance", Err: domain.ErrValidationSkip}
	}
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Enhance(ctx context.Context, req Request) (Result, error) {
	if err := Validate(req.Content); err != nil {
		return Result{}, err
	}
	if c.apiKey == "" {
		return Result{}, &domain.EnhancementError{Message: "enhancement is not configured"}
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: c.prompt(req)},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return Result{}, &domain.EnhancementError{Message: "failed to encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, &domain.EnhancementError{Message: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Error().Err(err).Msg("enhancement request failed")
		return Result{}, &domain.EnhancementError{Message: "failed to process the request", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &domain.EnhancementError{Message: "failed to read response", Err: err}
	}

	var parsed chatResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		c.logger.Error().Int("status", resp.StatusCode).Str("message", msg).Msg("enhancement rejected upstream")
		return Result{}, &domain.EnhancementError{
			Message: "failed to process the request",
			Err:     fmt.Errorf("upstream status %d: %s", resp.StatusCode, msg),
		}
	}
	if decodeErr != nil {
		return Result{}, &domain.EnhancementError{Message: "failed to decode response", Err: decodeErr}
	}

	var content string
	if len(parsed.Choices) > 0 {
		content = strings.TrimSpace(parsed.Choices[0].Message.Content)
	}
	if content == "" {
		return Result{}, &domain.EnhancementError{Message: "could not generate enhanced content", Err: errors.New("empty completion")}
	}

	c.logger.Debug().Dur("took", time.Since(start)).Int("chars", len(content)).Msg("content enhanced")
	return Result{
		EnhancedContent: content,
		OriginalContent: req.Content,
		OriginalTitle:   req.Title,
	}, nil
}

func (c *Client) prompt(req Request) string {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = c.placeholder
	}
	var b strings.Builder
	b.WriteString("Improve the following idea while keeping its Markdown formatting.\n\n")
	b.WriteString("Instructions:\n")
	b.WriteString("- Keep the essence and purpose of the original idea\n")
	b.WriteString("- Improve clarity, structure and coherence\n")
	b.WriteString("- Add useful details and examples where appropriate\n")
	b.WriteString("- Use Markdown to organise the content\n")
	b.WriteString("- If the idea is very short, expand it with relevant context\n")
	b.WriteString("- If it is very long, organise it with headings and sections\n\n")
	fmt.Fprintf(&b, "Original title: %s\n\n", title)
	fmt.Fprintf(&b, "Original content:\n%s\n\n", req.Content)
	b.WriteString("Return the improved version in Markdown:")
	return b.String()
}
