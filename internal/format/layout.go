package format

import (
	"bytes"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

const maxLayoutPasses = 10

// UnwrapTableLayout replaces single-column layout tables with their content.
// Tables that carry data (headers, several columns, many uniform rows) are
// kept. raw is returned as is when it cannot be parsed or rendered.
func UnwrapTableLayout(raw []byte) []byte {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return raw
	}

	for range maxLayoutPasses {
		if !unwrapPass(doc) {
			break
		}
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return raw
	}

	return buf.Bytes()
}

// unwrapPass works bottom-up so inner tables go first.
func unwrapPass(n *html.Node) bool {
	changed := false
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if unwrapPass(c) {
			changed = true
		}
		c = next
	}

	if isElement(n, "table") && isLayoutTable(n) {
		flattenTable(n)
		return true
	}

	return changed
}

func isLayoutTable(table *html.Node) bool {
	if len(elements(table, "th", "thead")) > 0 {
		return false
	}

	rows := elements(table, "tr")
	widths := make([]int, 0, len(rows))
	for _, row := range rows {
		widths = append(widths, cellCount(row))
	}
	if len(widths) > 0 && slices.Max(widths) > 1 {
		return false
	}

	if hasLayoutID(table) {
		return true
	}

	filled := 0
	for _, row := range rows {
		if hasText(row) {
			filled++
		}
	}

	return filled <= 5 || !uniform(widths)
}

func hasLayoutID(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key != "id" {
			continue
		}
		if a.Val == "main" || strings.Contains(a.Val, "layout") || strings.Contains(a.Val, "wrapper") {
			return true
		}
	}
	return false
}

func uniform(widths []int) bool {
	if len(widths) < 2 {
		return false
	}
	for _, w := range widths[1:] {
		if w != widths[0] {
			return false
		}
	}
	return true
}

func cellCount(row *html.Node) int {
	n := 0
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if isElement(c, "td") || isElement(c, "th") {
			n++
		}
	}
	return n
}

// elements collects every descendant element with one of the given tags.
func elements(root *html.Node, tags ...string) []*html.Node {
	var found []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && slices.Contains(tags, c.Data) {
				found = append(found, c)
			}
			walk(c)
		}
	}
	walk(root)
	return found
}

func hasText(n *html.Node) bool {
	if n.Type == html.TextNode {
		return strings.TrimSpace(n.Data) != ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if hasText(c) {
			return true
		}
	}
	return false
}

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func isTablePart(tag string) bool {
	switch tag {
	case "table", "thead", "tbody", "tfoot", "tr", "td", "th":
		return true
	}
	return false
}

func flattenTable(table *html.Node) {
	parent := table.Parent
	if parent == nil {
		return
	}

	var content []*html.Node
	collectContent(table, &content)
	for _, n := range content {
		parent.InsertBefore(n, table)
	}
	parent.RemoveChild(table)
}

// collectContent copies everything but the table scaffolding. Every row
// that contributed content is closed with a line break.
func collectContent(n *html.Node, out *[]*html.Node) {
	switch {
	case n.Type == html.ElementNode && isTablePart(n.Data):
		before := len(*out)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collectContent(c, out)
		}
		if n.Data == "tr" && len(*out) > before {
			*out = append(*out, &html.Node{Type: html.TextNode, Data: "\n"})
		}
	case n.Type == html.ElementNode:
		*out = append(*out, deepCopy(n))
	case n.Type == html.TextNode && strings.TrimSpace(n.Data) != "":
		*out = append(*out, &html.Node{Type: html.TextNode, Data: n.Data})
	}
}

func deepCopy(n *html.Node) *html.Node {
	cp := &html.Node{
		Type:      n.Type,
		Data:      n.Data,
		DataAtom:  n.DataAtom,
		Namespace: n.Namespace,
		Attr:      slices.Clone(n.Attr),
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		cp.AppendChild(deepCopy(c))
	}
	return cp
}
