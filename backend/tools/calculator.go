package tools

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/invopop/jsonschema"
)

// CalculatorParams are the operands for every calculator operation.
type CalculatorParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type calculator struct{}

func (c *calculator) name() string { return "calculator" }

func (c *calculator) operations() []string {
	return []string{"add", "subtract", "multiply", "divide", "power"}
}

func (c *calculator) paramSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&CalculatorParams{})
}

func (c *calculator) invoke(operation string, raw json.RawMessage) (any, error) {
	var p CalculatorParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode calculator params: %w", err)
	}

	switch operation {
	case "add":
		return p.A + p.B, nil
	case "subtract":
		return p.A - p.B, nil
	case "multiply":
		return p.A * p.B, nil
	case "divide":
		if p.B == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return p.A / p.B, nil
	case "power":
		return math.Pow(p.A, p.B), nil
	default:
		return nil, fmt.Errorf("operation not supported for tool calculator: %s", operation)
	}
}
