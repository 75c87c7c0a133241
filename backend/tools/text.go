package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// TextParams carry the input text for every textProcessor operation.
type TextParams struct {
	Text string `json:"text"`
}

type textProcessor struct{}

func (t *textProcessor) name() string { return "textProcessor" }

func (t *textProcessor) operations() []string {
	return []string{"wordCount", "characterCount", "sentenceCount", "toUpperCase", "toLowerCase"}
}

func (t *textProcessor) paramSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&TextParams{})
}

func (t *textProcessor) invoke(operation string, raw json.RawMessage) (any, error) {
	var p TextParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode textProcessor params: %w", err)
	}

	switch operation {
	case "wordCount":
		return len(strings.Fields(p.Text)), nil
	case "characterCount":
		return len([]rune(p.Text)), nil
	case "sentenceCount":
		return sentenceCount(p.Text), nil
	case "toUpperCase":
		return strings.ToUpper(p.Text), nil
	case "toLowerCase":
		return strings.ToLower(p.Text), nil
	default:
		return nil, fmt.Errorf("operation not supported for tool textProcessor: %s", operation)
	}
}

// sentenceCount treats '.', '!' and '?' as sentence terminators and ignores
// empty fragments between them.
func sentenceCount(text string) int {
	normalized := strings.NewReplacer("!", ".", "?", ".").Replace(text)
	count := 0
	for _, part := range strings.Split(normalized, ".") {
		if strings.TrimSpace(part) != "" {
			count++
		}
	}
	return count
}
