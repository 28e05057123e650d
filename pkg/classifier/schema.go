package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"wismo-triage/pkg/models"
)

const intentSchemaURL = "https://wismo.schemas.local/intent_result.schema.json"

const intentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["intent", "missing_fields", "risk_flags", "confidence", "suggested_next_action"],
  "properties": {
    "intent": {
      "enum": ["track_order", "delivered_not_received", "delivery_attempted", "damaged",
               "returned_to_sender", "stuck_in_transit", "delayed", "address_issue", "unknown"]
    },
    "extracted_order_id": {"type": ["string", "null"]},
    "extracted_email": {"type": ["string", "null"]},
    "missing_fields": {
      "type": "array",
      "uniqueItems": true,
      "items": {"enum": ["order_id", "email"]}
    },
    "risk_flags": {
      "type": "array",
      "uniqueItems": true,
      "items": {"enum": ["repeat_claim", "high_value", "fraud_suspected"]}
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "suggested_next_action": {"enum": ["ask_followup", "retrieve", "escalate"]}
  }
}`

var (
	ErrNoJSON      = errors.New("classifier output contains no JSON object")
	ErrInvalidJSON = errors.New("classifier output is not valid JSON")
	ErrSchema      = errors.New("classifier output violates the intent schema")
)

// Validator checks raw classifier output against the intent result schema.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(intentSchemaURL, strings.NewReader(intentSchema)); err != nil {
		return nil, fmt.Errorf("intent schema load failed: %w", err)
	}
	compiled, err := c.Compile(intentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("intent schema compile failed: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Parse extracts the first JSON object from raw, normalises known aliases and
// validates it. Any failure returns one of ErrNoJSON, ErrInvalidJSON or ErrSchema.
func (v *Validator) Parse(raw string) (models.IntentResult, error) {
	block, ok := extractJSON(raw)
	if !ok {
		return models.IntentResult{}, ErrNoJSON
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(block), &doc); err != nil {
		return models.IntentResult{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	normalizeAliases(doc)

	if err := v.schema.Validate(doc); err != nil {
		return models.IntentResult{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return models.IntentResult{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	var result models.IntentResult
	if err := json.Unmarshal(normalized, &result); err != nil {
		return models.IntentResult{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	result.ExtractedOrderID = blankToNil(result.ExtractedOrderID)
	result.ExtractedEmail = blankToNil(result.ExtractedEmail)
	return result, nil
}

// extractJSON returns the span from the first '{' to the last '}'. Models
// sometimes wrap the object in prose or code fences.
func extractJSON(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

func normalizeAliases(doc map[string]any) {
	if intent, ok := doc["intent"].(string); ok && strings.TrimSpace(strings.ToLower(intent)) == "return_to_sender" {
		doc["intent"] = string(models.IntentReturnedToSender)
	}
	if next, ok := doc["suggested_next_action"].(string); ok && strings.TrimSpace(strings.ToLower(next)) == "proceed" {
		doc["suggested_next_action"] = string(models.NextRetrieve)
	}
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	return &trimmed
}
