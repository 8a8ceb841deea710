package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelope is the response wrapper used by the extraction service.
// Data is only decoded when Success is true; failure envelopes may carry anything there.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type processedPayload struct {
	ProcessedData map[string]any `json:"processedData"`
}

// resultFields are the processedData keys copied into a Result
var resultFields = []string{"aadhaarNumber", "dateOfBirth", "gender", "name", "address"}

// envelopeSchema constrains the envelope and the scalar type of each extracted
// field, never the field contents.
func envelopeSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"success"},
		"properties": map[string]any{
			"success": map[string]any{"type": "boolean"},
			"message": map[string]any{"type": []string{"string", "null"}},
		},
		"if": map[string]any{
			"properties": map[string]any{
				"success": map[string]any{"const": true},
			},
		},
		"then": map[string]any{
			"required": []string{"data"},
			"properties": map[string]any{
				"data": map[string]any{
					"type":     "object",
					"required": []string{"processedData"},
					"properties": map[string]any{
						"processedData": processedDataSchema(),
					},
				},
			},
		},
	}
}

// processedDataSchema allows each known field to be a string or a number, so
// numeric identifiers come through as their literal text.
func processedDataSchema() map[string]any {
	props := make(map[string]any, len(resultFields))
	for _, name := range resultFields {
		props[name] = map[string]any{"type": []string{"string", "number", "null"}}
	}
	return map[string]any{"type": "object", "properties": props}
}

func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	b, err := json.Marshal(envelopeSchema())
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("adding envelope schema: %w", err)
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compiling envelope schema: %w", err)
	}
	return schema, nil
}

// decodeEnvelope validates raw against the envelope schema and decodes it.
// On success the processed data is returned; a success:false envelope yields an *ApplicationError.
func decodeEnvelope(schema *jsonschema.Schema, raw []byte) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("unexpected response from extraction service: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if !env.Success {
		return nil, &ApplicationError{Message: env.Message}
	}

	var payload processedPayload
	pdec := json.NewDecoder(bytes.NewReader(env.Data))
	pdec.UseNumber()
	if err := pdec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding processed data: %w", err)
	}
	data := payload.ProcessedData
	return &Result{
		AadhaarNumber: fieldText(data["aadhaarNumber"]),
		DateOfBirth:   fieldText(data["dateOfBirth"]),
		Gender:        fieldText(data["gender"]),
		Name:          fieldText(data["name"]),
		Address:       fieldText(data["address"]),
	}, nil
}

// fieldText renders a processedData value as shown to the user; numbers keep
// their original digits
func fieldText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
