package tools

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// TransformParams carry the input for dataTransformer operations. Exactly
// one of JSONData or CSVData is used depending on the operation.
type TransformParams struct {
	JSONData []map[string]any `json:"jsonData,omitempty"`
	CSVData  string           `json:"csvData,omitempty"`
}

type dataTransformer struct{}

func (d *dataTransformer) name() string { return "dataTransformer" }

func (d *dataTransformer) operations() []string {
	return []string{"jsonToCsv", "csvToJson"}
}

func (d *dataTransformer) paramSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&TransformParams{})
}

func (d *dataTransformer) invoke(operation string, raw json.RawMessage) (any, error) {
	var p TransformParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode dataTransformer params: %w", err)
	}

	switch operation {
	case "jsonToCsv":
		return jsonToCSV(p.JSONData)
	case "csvToJson":
		return csvToJSON(p.CSVData)
	default:
		return nil, fmt.Errorf("operation not supported for tool dataTransformer: %s", operation)
	}
}

// jsonToCSV renders a list of flat objects as CSV. Headers come from the
// first row's keys, sorted for deterministic output.
func jsonToCSV(rows []map[string]any) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}

	headers := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		headers = append(headers, k)
	}
	sort.Strings(headers)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(headers); err != nil {
		return "", err
	}
	for _, row := range rows {
		record := make([]string, len(headers))
		for i, h := range headers {
			record[i] = stringifyCell(row[h])
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func stringifyCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// csvToJSON parses CSV into a list of objects keyed by the header row,
// coercing numeric-looking cells to numbers.
func csvToJSON(data string) ([]map[string]any, error) {
	r := csv.NewReader(strings.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return []map[string]any{}, nil
	}

	headers := records[0]
	out := make([]map[string]any, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]any, len(headers))
		for i, h := range headers {
			if i >= len(record) {
				row[h] = ""
				continue
			}
			row[h] = coerceCell(record[i])
		}
		out = append(out, row)
	}
	return out, nil
}

func coerceCell(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return s
}
