// ABOUTME: Renders AI markdown replies as chat-safe HTML
// ABOUTME: Walks the goldmark AST for text, escapes it and bolds "Author — Title" lines

package format

import (
	"bytes"
	"html"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Dash separates an author from a title in recommendation lines.
const Dash = "—"

var parser = goldmark.New().Parser()

type line struct {
	prefix string // list marker, kept outside any bold span
	text   strings.Builder
}

type collector struct {
	src   []byte
	lines []*line
	cur   *line
}

func (c *collector) current() *line {
	if c.cur == nil {
		c.cur = &line{}
		c.lines = append(c.lines, c.cur)
	}
	return c.cur
}

func (c *collector) write(b []byte) {
	c.current().text.Write(b)
}

func (c *collector) newline() {
	c.cur = nil
}

// Reply converts a markdown reply into HTML suitable for Telegram-style
// parse modes. Empty lines are dropped, emphasis markers and stray asterisks
// are removed, and only <b> tags are emitted.
func Reply(markdown string) string {
	src := []byte(markdown)
	doc := parser.Parse(text.NewReader(src))

	c := &collector{src: src}
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		return c.visit(n, entering), nil
	})

	out := make([]string, 0, len(c.lines))
	for _, l := range c.lines {
		if rendered := renderLine(l.prefix, l.text.String()); rendered != "" {
			out = append(out, rendered)
		}
	}
	return strings.Join(out, "\n")
}

func (c *collector) visit(n ast.Node, entering bool) ast.WalkStatus {
	switch node := n.(type) {
	case *ast.Paragraph, *ast.TextBlock, *ast.Heading:
		if !entering {
			c.newline()
		}

	case *ast.ListItem:
		if entering {
			c.newline()
			c.current().prefix = listMarker(node)
		}

	case *ast.Text:
		if entering {
			c.write(node.Segment.Value(c.src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				c.newline()
			}
		}

	case *ast.String:
		if entering {
			c.write(node.Value)
		}

	case *ast.AutoLink:
		if entering {
			c.write(node.URL(c.src))
		}

	case *ast.RawHTML:
		if entering {
			segs := node.Segments
			for i := 0; i < segs.Len(); i++ {
				seg := segs.At(i)
				c.write(seg.Value(c.src))
			}
		}

	case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
		if entering {
			c.newline()
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				c.write(bytes.TrimRight(seg.Value(c.src), "\r\n"))
				c.newline()
			}
			return ast.WalkSkipChildren
		}

	case *ast.ThematicBreak:
		if entering {
			c.newline()
		}
	}
	return ast.WalkContinue
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "- "
	}
	index := 0
	for sib := item.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
		index++
	}
	return strconv.Itoa(list.Start+index) + ". "
}

// renderLine escapes one line and bolds the author part of "Author — Title".
func renderLine(prefix, raw string) string {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "*", ""))
	if raw == "" {
		return ""
	}

	if author, title, ok := strings.Cut(raw, Dash); ok {
		author = strings.TrimSpace(author)
		title = strings.TrimSpace(title)
		if author != "" {
			return html.EscapeString(prefix) + "<b>" + html.EscapeString(author) + "</b> " + Dash + " " + html.EscapeString(title)
		}
	}
	return html.EscapeString(prefix + raw)
}
