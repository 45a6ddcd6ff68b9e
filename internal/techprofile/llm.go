package techprofile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

const classifierInstruction = "You identify the e-commerce platform behind a storefront from " +
	"collected technical signals. Possible platforms: shopify, woocommerce, magento, vtex, " +
	"unknown. Respond with a single JSON object: {\"platform\": string, \"confidence\": number " +
	"between 0 and 1, \"recommended_strategy\": string, \"risks\": [string]}. When the evidence " +
	"is weak, answer platform \"unknown\" with low confidence rather than guessing."

// Ensure LLMClassifier satisfies the escalation hook at compile time.
var _ Classifier = (*LLMClassifier)(nil)

// LLMClassifier escalates ambiguous platform signals to Gemini.
type LLMClassifier struct {
	client *genai.Client
	model  string
}

// NewLLMClassifier creates an LLMClassifier.
func NewLLMClassifier(client *genai.Client, model string) *LLMClassifier {
	return &LLMClassifier{client: client, model: model}
}

type classifierAnswer struct {
	Platform            string   `json:"platform"`
	Confidence          float64  `json:"confidence"`
	RecommendedStrategy string   `json:"recommended_strategy"`
	Risks               []string `json:"risks"`
}

// Classify sends the signal summary and parses the structured verdict.
func (c *LLMClassifier) Classify(ctx context.Context, summary string) (*catalog.TechProfile, error) {
	temp := float32(0.1)
	result, err := c.client.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{{
			Parts: []*genai.Part{{Text: summary}},
		}},
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{{Text: classifierInstruction}},
			},
			Temperature:      &temp,
			ResponseMIMEType: "application/json",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("classify storefront: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("classify storefront: empty model result")
	}

	var answer classifierAnswer
	if err := json.Unmarshal([]byte(extractJSON(result.Text())), &answer); err != nil {
		return nil, fmt.Errorf("parse classifier answer: %w", err)
	}
	platform := catalog.PlatformUnknown
	if answer.Platform != "" && answer.Platform != "unknown" {
		platform = catalog.ParsePlatform(answer.Platform)
	}
	strategy := answer.RecommendedStrategy
	if strategy == "" {
		strategy = "html"
	}
	return &catalog.TechProfile{
		Platform:            platform,
		Confidence:          clamp01(answer.Confidence),
		RecommendedStrategy: strategy,
		Risks:               answer.Risks,
	}, nil
}

// extractJSON tolerates markdown fences around the JSON body.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			return text[start : end+1]
		}
	}
	return text
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
