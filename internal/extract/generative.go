package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/cost"
	"github.com/sells-group/dealerscope/internal/model"
	"github.com/sells-group/dealerscope/internal/resilience"
	"github.com/sells-group/dealerscope/pkg/anthropic"
)

// Authorizer gates metered spend. Authorize records usage when it allows;
// Release returns an unspent reservation.
type Authorizer interface {
	Authorize(ctx context.Context, siteID string, op cost.Operation) cost.Decision
	Release(ctx context.Context, siteID string, op cost.Operation)
}

var fieldDescriptions = map[model.Field]string{
	model.FieldPrice:       "current or winning bid in US dollars, digits only",
	model.FieldYear:        "four digit model year",
	model.FieldMake:        "vehicle manufacturer, e.g. Ford",
	model.FieldModel:       "vehicle model name without make or trim, e.g. F-150",
	model.FieldTrim:        "trim level or series, e.g. XLT",
	model.FieldMileage:     "odometer reading in miles, digits only",
	model.FieldVIN:         "17 character vehicle identification number",
	model.FieldLocation:    "city and state where the vehicle is located",
	model.FieldState:       "two letter US state code of the vehicle location",
	model.FieldTitleStatus: "one of clean, salvage, rebuilt, flood, lemon",
	model.FieldAuctionEnd:  "auction closing time as ISO 8601",
}

const generativeSystemPrompt = `You extract a single field from the visible text of a vehicle auction listing.
Reply with JSON only: {"value": <string or null>, "confidence": <number 0-1>}.
Use null when the page does not state the value. Never guess.`

// GenerativeStrategy is the last-resort tier backed by the Anthropic API.
// Every call is authorized against the site's llm_tokens budget first.
type GenerativeStrategy struct {
	client         anthropic.Client
	auth           Authorizer
	breaker        *resilience.CircuitBreaker
	model          string
	maxTokens      int64
	maxPromptChars int
}

// NewGenerativeStrategy creates the generative tier.
func NewGenerativeStrategy(client anthropic.Client, auth Authorizer, aiCfg config.AnthropicConfig, cfg config.ExtractConfig) *GenerativeStrategy {
	maxTokens := int64(cfg.GenerativeTokens)
	if maxTokens <= 0 {
		maxTokens = 256
	}
	maxChars := cfg.MaxPromptChars
	if maxChars <= 0 {
		maxChars = 12000
	}
	modelID := aiCfg.Model
	if modelID == "" {
		modelID = "claude-haiku-4-5-20251001"
	}
	return &GenerativeStrategy{
		client: client,
		auth:   auth,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			ResetTimeout:     time.Duration(cfg.BreakerResetSecs) * time.Second,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("extract: generative circuit state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
		model:          modelID,
		maxTokens:      maxTokens,
		maxPromptChars: maxChars,
	}
}

func (g *GenerativeStrategy) Strategy() model.ExtractionStrategy { return model.StrategyGenerative }
func (g *GenerativeStrategy) Version() string                    { return g.model }

// Extract asks the model for field. It returns ErrSkipped when the budget
// or the circuit breaker refuses the call.
func (g *GenerativeStrategy) Extract(ctx context.Context, page *Page, field model.Field) (Candidate, error) {
	if g.client == nil {
		return Candidate{}, skipped("generative client not configured")
	}
	if g.breaker.State() == resilience.CircuitOpen {
		return Candidate{}, skipped("generative circuit open")
	}

	prompt := g.prompt(page, field)
	op := cost.Operation{
		Resource: model.ResourceLLM,
		Amount:   float64(estimateTokens(generativeSystemPrompt+prompt) + g.maxTokens),
	}
	if g.auth != nil {
		d := g.auth.Authorize(ctx, page.Site.ID, op)
		if !d.Allowed {
			return Candidate{}, skipped(d.Reason)
		}
	}

	temp := 0.0
	resp, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return g.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     g.model,
			MaxTokens: g.maxTokens,
			System: []anthropic.SystemBlock{{
				Text:         generativeSystemPrompt,
				CacheControl: &anthropic.CacheControl{TTL: "5m"},
			}},
			Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
			Temperature: &temp,
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			if g.auth != nil {
				g.auth.Release(ctx, page.Site.ID, op)
			}
			return Candidate{}, skipped("generative circuit open")
		}
		return Candidate{}, classifyAPIError(err)
	}

	if g.auth != nil {
		if unused := op.Amount - float64(resp.Usage.Total()); unused > 0 {
			g.auth.Release(ctx, page.Site.ID, cost.Operation{Resource: model.ResourceLLM, Amount: unused})
		}
	}

	return parseGenerativeAnswer(resp.Text(), field), nil
}

func (g *GenerativeStrategy) prompt(page *Page, field model.Field) string {
	text := page.Text()
	if len(text) > g.maxPromptChars {
		text = text[:g.maxPromptChars]
	}
	var b strings.Builder
	b.WriteString("Field: ")
	b.WriteString(string(field))
	b.WriteString("\nMeaning: ")
	b.WriteString(fieldDescriptions[field])
	b.WriteString("\nURL: ")
	b.WriteString(page.URL)
	if title := page.Title(); title != "" {
		b.WriteString("\nTitle: ")
		b.WriteString(title)
	}
	b.WriteString("\n\nPage text:\n")
	b.WriteString(text)
	return b.String()
}

// estimateTokens approximates prompt size at four characters per token.
func estimateTokens(s string) int64 {
	return int64(len(s)/4 + 1)
}

func classifyAPIError(err error) error {
	code := anthropic.StatusCode(err)
	if code == 429 || code == 529 || resilience.IsTransientHTTPStatus(code) {
		return resilience.NewTransientError(err, code)
	}
	return eris.Wrap(err, "extract: generative call")
}

// cleanJSON extracts a JSON object from text that may carry markdown
// code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// parseGenerativeAnswer turns the model reply into a candidate. Malformed
// replies and values that fail normalization yield an empty candidate.
func parseGenerativeAnswer(text string, field model.Field) Candidate {
	var raw map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		zap.L().Warn("extract: failed to parse generative answer",
			zap.String("field", string(field)),
			zap.Error(err),
		)
		return Candidate{}
	}

	var value string
	switch v := raw["value"].(type) {
	case string:
		value = v
	case float64:
		value = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return Candidate{}
	}
	norm, ok := NormalizeValue(field, value)
	if !ok {
		return Candidate{}
	}

	conf, _ := raw["confidence"].(float64)
	return Candidate{Value: norm, Confidence: max(0, min(1, conf))}
}
