// Package format turns email bodies into plain text for the language model.
package format

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// Converter handles body format conversions.
type Converter struct{}

// HTML2MD converts an HTML body to Markdown after unwrapping layout tables.
func (c Converter) HTML2MD(raw []byte) (string, error) {
	md, err := htmltomarkdown.ConvertString(string(UnwrapTableLayout(raw)))
	if err != nil {
		return "", fmt.Errorf("htmltomarkdown.ConvertString failed: %w", err)
	}

	return strings.TrimSpace(md), nil
}
