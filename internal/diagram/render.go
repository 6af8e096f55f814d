package diagram

import (
	"strings"

	"github.com/rendis/orchestra/pkg/schema"
)

// Render renders m as "mermaid" or "ascii".
func Render(m *Model, format string) (string, error) {
	switch strings.ToLower(format) {
	case "", "mermaid":
		return RenderMermaid(m), nil
	case "ascii", "text":
		return RenderASCII(m), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format)
	}
}
