package record

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/labshot/labshot/analysis"
)

// BodyFromAttributes renders extracted attributes as the HTML body stored on
// the record, one field per section.
func BodyFromAttributes(attrs *analysis.Attributes) string {
	var b strings.Builder
	b.WriteString("<div class='asset-details'>\n")

	writeField(&b, "Manufacturer", attrs.Manufacturer)
	writeField(&b, "Model", attrs.Model)
	writeField(&b, "Serial Number", attrs.SerialNumber)
	writeField(&b, "Description", attrs.Description)

	// Extra fields in stable order so repeated runs produce identical bodies
	keys := make([]string, 0, len(attrs.Extra))
	for k := range attrs.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(&b, titleCase(k), attrs.Extra[k])
	}

	b.WriteString("</div>")
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "<div class='asset-field'>\n<h3>%s</h3>\n<div class='asset-value'>%s</div>\n</div>\n",
		html.EscapeString(name), html.EscapeString(value))
}

func titleCase(key string) string {
	words := strings.Split(strings.ReplaceAll(key, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
