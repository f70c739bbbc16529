package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"sessiond/internal/config"
	"sessiond/internal/domain"
	"sessiond/internal/sessions"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"

const externalHTTPTimeout = 120 * time.Second

var externalHTTPClient = &http.Client{
	Timeout: externalHTTPTimeout,
}

type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// Client groups activities into sessions via an LLM. It implements
// sessions.Classifier.
type Client struct {
	provider        string
	model           string
	anthropicAPIKey string
	openAIAPIKey    string
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		provider:        cfg.LLMProvider,
		model:           cfg.LLMModel,
		anthropicAPIKey: cfg.AnthropicAPIKey,
		openAIAPIKey:    cfg.OpenAIAPIKey,
	}
}

// Wire shape of one proposed session in the model's JSON response.
type wireProposal struct {
	Session struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"session"`
	ActivityIDs []string `json:"activity_ids"`
}

func (c *Client) ProposeSessions(
	ctx context.Context,
	activities []sessions.ClassifierActivity,
	tags []domain.Tag,
	preexisting []sessions.SessionIdentifier,
) ([]sessions.ProposedSession, error) {
	if len(activities) == 0 {
		return nil, nil
	}

	systemPrompt, userPrompt := buildSessionPrompts(activities, tags, preexisting)

	var responseText string
	var err error

	switch c.provider {
	case "openai":
		model := c.model
		if model == "" {
			model = defaultOpenAIModel
		}
		log.Printf("llm sessionize provider=openai model=%s activities=%d preexisting=%d", model, len(activities), len(preexisting))
		responseText, _, err = callOpenAI(ctx, c.openAIAPIKey, model, systemPrompt, userPrompt)
	default:
		model := c.model
		if model == "" {
			model = defaultAnthropicModel
		}
		log.Printf("llm sessionize provider=anthropic model=%s activities=%d preexisting=%d", model, len(activities), len(preexisting))
		responseText, _, err = callAnthropic(ctx, c.anthropicAPIKey, model, systemPrompt, userPrompt)
	}
	if err != nil {
		return nil, err
	}

	return parseSessionResponse(responseText)
}

func buildSessionPrompts(
	activities []sessions.ClassifierActivity,
	tags []domain.Tag,
	preexisting []sessions.SessionIdentifier,
) (string, string) {
	var tagLines strings.Builder
	for _, tag := range tags {
		tagLines.WriteString(fmt.Sprintf("- %s: %s\n", tag.Name, strings.TrimSpace(tag.Description)))
	}
	tagBlock := "none"
	if tagLines.Len() > 0 {
		tagBlock = tagLines.String()
	}

	var preexistingLines strings.Builder
	for _, s := range preexisting {
		preexistingLines.WriteString(fmt.Sprintf("- %s: %s\n", s.ID, s.Title))
	}
	preexistingBlock := "none"
	if preexistingLines.Len() > 0 {
		preexistingBlock = preexistingLines.String()
	}

	var activityLines strings.Builder
	for _, a := range activities {
		activityLines.WriteString(fmt.Sprintf("ID:%s - %s (duration: %s)\n  %s\n",
			a.ActivityID, a.Name, a.Duration, strings.TrimSpace(a.Description)))
	}

	systemPrompt := `You group a chronological list of computer activities into work sessions.
A session is a contiguous stretch of related work with a single underlying intent,
e.g. "Refactoring the billing module" or "Researching flight options for Lisbon".

Rules:
- Every session must contain at least one activity id from the list.
- An activity belongs to at most one session; leave unrelated one-off activities out.
- Prefer continuing a pre-existing session (reuse its exact id and title) when the
  activities clearly extend the same work; otherwise invent a new session with a
  short snake_case id and a concise human-readable title.
- Sessions should be coherent in time: do not group activities separated by long
  unrelated stretches.

Respond with JSON only (no markdown):
[{"session": {"id": "billing_refactor", "title": "Refactoring the billing module"}, "activity_ids": ["vscode", "terminal_1"]}, ...]`

	userPrompt := "Known activity tags:\n" + tagBlock +
		"\nPre-existing sessions (reuse id and title when continuing one):\n" + preexistingBlock +
		"\nGroup these activities (chronological order):\n\n" + activityLines.String()
	return systemPrompt, userPrompt
}

func parseSessionResponse(responseText string) ([]sessions.ProposedSession, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	var proposals []wireProposal
	if err := json.Unmarshal([]byte(responseText), &proposals); err != nil {
		truncated := responseText
		if len(truncated) > 512 {
			truncated = truncated[:512] + fmt.Sprintf("... [truncated, total_length=%d]", len(responseText))
		}
		return nil, fmt.Errorf("parsing LLM session response: %w (truncated response: %s)", err, truncated)
	}

	out := make([]sessions.ProposedSession, 0, len(proposals))
	for _, p := range proposals {
		id := strings.TrimSpace(p.Session.ID)
		title := strings.TrimSpace(p.Session.Title)
		if id == "" {
			return nil, fmt.Errorf("LLM session response contains a session without an id (title: %q)", title)
		}
		out = append(out, sessions.ProposedSession{
			Session:     sessions.SessionIdentifier{ID: id, Title: title},
			ActivityIDs: p.ActivityIDs,
		})
	}
	return out, nil
}

// --- Anthropic ---

func callAnthropic(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, Usage, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		log.Printf("llm anthropic error: %v", err)
		return "", Usage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := Usage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm anthropic response size=%d tokens_in=%d tokens_out=%d cache_create=%d cache_read=%d", len(block.Text), usage.InputTokens, usage.OutputTokens, usage.CacheCreationInputTokens, usage.CacheReadInputTokens)
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in Anthropic response")
}

// --- OpenAI ---

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func callOpenAI(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, Usage, error) {
	reqBody := openAIRequest{
		Model: model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.openai.com/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", Usage{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := externalHTTPClient.Do(req)
	if err != nil {
		log.Printf("llm openai error: %v", err)
		return "", Usage{}, fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("reading response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", Usage{}, fmt.Errorf("parsing OpenAI response: %w", err)
	}

	if openAIResp.Error != nil {
		log.Printf("llm openai api error: %s", openAIResp.Error.Message)
		return "", Usage{}, fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}

	if len(openAIResp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("no choices in OpenAI response")
	}
	usage := Usage{}
	if openAIResp.Usage != nil {
		usage.InputTokens = openAIResp.Usage.PromptTokens
		usage.OutputTokens = openAIResp.Usage.CompletionTokens
	}

	log.Printf("llm openai response size=%d tokens_in=%d tokens_out=%d", len(openAIResp.Choices[0].Message.Content), usage.InputTokens, usage.OutputTokens)
	return openAIResp.Choices[0].Message.Content, usage, nil
}
