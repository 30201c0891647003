// Package schema holds what every extraction adapter shares: the prompt, the
// structured-output schema, the evidence layout of a conversation and the
// decoding of a model answer into candidate orders.
package schema

import (
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"recambio/pkg/orders"
)

// Name identifies the structured output (JSON schema name, tool name).
const Name = "record_orders"

//go:embed prompts/*.md
var promptsFS embed.FS

// SystemPrompt returns the extraction instructions.
func SystemPrompt() string {
	return mustPrompt("system")
}

// ToolDescription returns the description of the forced tool call used by
// adapters without native JSON-schema output.
func ToolDescription() string {
	return mustPrompt("tool")
}

func mustPrompt(name string) string {
	content, err := promptsFS.ReadFile("prompts/" + name + ".md")
	if err != nil {
		panic(fmt.Sprintf("load %s prompt: %v", name, err))
	}
	return strings.TrimSpace(string(content))
}

// Schema returns the JSON schema of the answer. Every property is required
// and no extra properties are allowed so it is usable in strict mode.
func Schema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"orders"},
		"properties":           Properties(),
	}
}

// Properties returns the top-level properties of Schema.
func Properties() map[string]any {
	text := func(description string) map[string]any {
		return map[string]any{"type": "string", "description": description}
	}
	list := func(description string) map[string]any {
		return map[string]any{
			"type":        "array",
			"description": description,
			"items":       map[string]any{"type": "string"},
		}
	}

	return map[string]any{
		"orders": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required": []string{
					"car_plate", "car_brand", "car_model", "car_frame",
					"order_requirements", "reference_media_files",
				},
				"properties": map[string]any{
					"car_plate":             text("Licence plate of the vehicle"),
					"car_brand":             text("Vehicle brand, empty if unknown"),
					"car_model":             text("Vehicle model, empty if unknown"),
					"car_frame":             text("Frame number (VIN/bastidor), empty if unknown"),
					"order_requirements":    list("Parts or requests for this vehicle"),
					"reference_media_files": list("Attachment references used as evidence"),
				},
			},
		},
	}
}

type answer struct {
	Orders *[]json.RawMessage `json:"orders"`
}

type wireOrder struct {
	CarPlate            string   `json:"car_plate"`
	CarBrand            string   `json:"car_brand"`
	CarModel            string   `json:"car_model"`
	CarFrame            string   `json:"car_frame"`
	OrderRequirements   []string `json:"order_requirements"`
	ReferenceMediaFiles []string `json:"reference_media_files"`
}

// Decode parses a model answer. Markdown code fences around the JSON are
// tolerated. An answer that is not a JSON object with an orders array is
// ExtractionMalformed. Items inside the array that do not fit the order
// shape are dropped and counted in skipped; the remaining items still decode.
func Decode(raw string) (candidates []orders.CandidateOrder, skipped int, err error) {
	body := stripFences(raw)
	if body == "" {
		return nil, 0, orders.Malformed("empty answer", nil)
	}

	var decoded answer
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return nil, 0, orders.Malformed("decode answer", err)
	}
	if decoded.Orders == nil {
		return nil, 0, orders.Malformed("answer has no orders field", nil)
	}

	candidates = make([]orders.CandidateOrder, 0, len(*decoded.Orders))
	for _, rawItem := range *decoded.Orders {
		var item wireOrder
		if err := json.Unmarshal(rawItem, &item); err != nil {
			skipped++
			continue
		}
		candidates = append(candidates, orders.CandidateOrder{
			VehiclePlate:  item.CarPlate,
			VehicleBrand:  item.CarBrand,
			VehicleModel:  item.CarModel,
			VehicleFrame:  item.CarFrame,
			Requirements:  item.OrderRequirements,
			EvidenceMedia: item.ReferenceMediaFiles,
		})
	}
	return candidates, skipped, nil
}

// DecodeRaw is Decode for tool inputs delivered as raw JSON.
func DecodeRaw(raw json.RawMessage) ([]orders.CandidateOrder, int, error) {
	return Decode(string(raw))
}

func stripFences(raw string) string {
	body := strings.TrimSpace(raw)
	if !strings.HasPrefix(body, "```") {
		return body
	}

	body = strings.TrimPrefix(body, "```")
	if newline := strings.IndexByte(body, '\n'); newline >= 0 {
		body = body[newline+1:]
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}

// DataURL renders an image part as a base64 data URL.
func (p Part) DataURL() string {
	return "data:" + p.MediaType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// Base64 returns the part data base64-encoded.
func (p Part) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}
