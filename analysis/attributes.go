// Package analysis turns captured images into structured asset attributes
// using a vision-capable chat model.
package analysis

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/labshot/labshot/errors"
)

// Attributes holds the structured description of a photographed asset.
// Fields the model could not determine are empty; anything it returned
// beyond the known schema lands in Extra.
type Attributes struct {
	Title        string            `json:"title"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	Model        string            `json:"model,omitempty"`
	SerialNumber string            `json:"serial_number,omitempty"`
	Description  string            `json:"description,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// IsEmpty reports whether no attribute was extracted at all.
func (a *Attributes) IsEmpty() bool {
	return a.Title == "" && a.Manufacturer == "" && a.Model == "" &&
		a.SerialNumber == "" && a.Description == "" && len(a.Extra) == 0
}

// attribute key aliases the models actually produce
var keyAliases = map[string]string{
	"title":         "title",
	"name":          "title",
	"equipment":     "title",
	"device":        "title",
	"manufacturer":  "manufacturer",
	"maker":         "manufacturer",
	"brand":         "manufacturer",
	"model":         "model",
	"model_number":  "model",
	"serial":        "serial_number",
	"serial_number": "serial_number",
	"serial_no":     "serial_number",
	"description":   "description",
	"details":       "description",
}

// ParseAttributes extracts structured attributes from a model response.
// The primary path is the JSON object between the first '{' and last '}';
// models that ignore the format instruction get a line-based "key: value"
// fallback. A response yielding nothing is an invalid-response error.
func ParseAttributes(raw string) (*Attributes, error) {
	if attrs, ok := parseJSONObject(raw); ok && !attrs.IsEmpty() {
		return finalize(attrs), nil
	}
	if attrs, ok := parseKeyValueLines(raw); ok && !attrs.IsEmpty() {
		return finalize(attrs), nil
	}
	return nil, errors.Wrapf(errors.ErrInvalidResponse,
		"no attributes found in model response (%d bytes)", len(raw))
}

// parseJSONObject pulls the outermost {...} substring and unmarshals it.
// Models wrap JSON in prose and markdown fences; the substring cut handles
// both without caring which.
func parseJSONObject(raw string) (*Attributes, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, false
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
		return nil, false
	}

	attrs := &Attributes{Extra: make(map[string]string)}
	for key, value := range fields {
		assignField(attrs, key, stringify(value))
	}
	return attrs, true
}

// keyPattern keeps the line fallback from chewing on JSON fragments or URLs.
var keyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 _-]*$`)

// parseKeyValueLines handles "Manufacturer: Eppendorf" style responses.
func parseKeyValueLines(raw string) (*Attributes, bool) {
	attrs := &Attributes{Extra: make(map[string]string)}
	found := false
	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.Trim(key, " \t*-")
		value = strings.TrimSpace(value)
		if key == "" || value == "" || !keyPattern.MatchString(key) {
			continue
		}
		assignField(attrs, key, value)
		found = true
	}
	return attrs, found
}

func assignField(attrs *Attributes, key, value string) {
	if value == "" {
		return
	}
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(key), " ", "_"))
	switch keyAliases[norm] {
	case "title":
		attrs.Title = value
	case "manufacturer":
		attrs.Manufacturer = value
	case "model":
		attrs.Model = value
	case "serial_number":
		attrs.SerialNumber = value
	case "description":
		attrs.Description = value
	default:
		attrs.Extra[norm] = value
	}
}

// finalize derives a title when the model omitted one, so downstream record
// creation always has something to name the item.
func finalize(attrs *Attributes) *Attributes {
	if len(attrs.Extra) == 0 {
		attrs.Extra = nil
	}
	if attrs.Title != "" {
		return attrs
	}
	switch {
	case attrs.Manufacturer != "" && attrs.Model != "":
		attrs.Title = attrs.Manufacturer + " " + attrs.Model
	case attrs.Model != "":
		attrs.Title = attrs.Model
	case attrs.Manufacturer != "":
		attrs.Title = attrs.Manufacturer + " equipment"
	default:
		attrs.Title = "Unidentified equipment"
	}
	return attrs
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case nil:
		return ""
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
