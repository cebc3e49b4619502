package richtext

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/zqq-nuli/felay/internal/buffer"
)

// MaxInputBytes caps converter input. Longer inputs keep their tail with a
// visible marker, matching the output-buffer truncation convention.
const MaxInputBytes = 28 * 1024

// Variant selects the element vocabulary.
type Variant int

const (
	// Full supports styled text, links, and code blocks.
	Full Variant = iota
	// Basic supports only plain text and links; code blocks degrade to
	// plain-text paragraphs, inline styles are stripped.
	Basic
)

var md = goldmark.New()

// Convert parses Markdown source into post paragraphs.
func Convert(source string, variant Variant) [][]Element {
	source = buffer.TruncateTail(source, MaxInputBytes)
	src := []byte(source)
	doc := md.Parser().Parse(text.NewReader(src))

	c := &converter{src: src, variant: variant}
	c.walkBlocks(doc)
	return c.paragraphs
}

type converter struct {
	src        []byte
	variant    Variant
	paragraphs [][]Element
}

func (c *converter) emit(paragraph []Element) {
	if len(paragraph) == 0 {
		return
	}
	c.paragraphs = append(c.paragraphs, paragraph)
}

func (c *converter) walkBlocks(parent ast.Node) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			// Headings render as bold text paragraphs.
			heading := c.inlineText(node)
			if heading != "" {
				c.emit([]Element{c.textElement(heading, StyleBold)})
			}
		case *ast.Paragraph, *ast.TextBlock:
			c.emit(c.inlines(n))
		case *ast.FencedCodeBlock:
			c.emitCodeBlock(string(node.Language(c.src)), c.blockLines(node))
		case *ast.CodeBlock:
			c.emitCodeBlock("", c.blockLines(node))
		case *ast.List:
			// Line-level items become separate paragraphs.
			for item := n.FirstChild(); item != nil; item = item.NextSibling() {
				c.walkBlocks(item)
			}
		case *ast.Blockquote:
			c.walkBlocks(n)
		default:
			if n.Type() == ast.TypeBlock {
				c.walkBlocks(n)
			}
		}
	}
}

func (c *converter) emitCodeBlock(language, code string) {
	code = strings.TrimRight(code, "\n")
	if code == "" {
		return
	}
	if c.variant == Basic {
		c.emit([]Element{{Tag: TagText, Text: code}})
		return
	}
	c.emit([]Element{{Tag: TagCodeBlock, Language: language, Text: code}})
}

func (c *converter) blockLines(n ast.Node) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(c.src))
	}
	return b.String()
}

// textElement builds a text element, dropping styles in the basic variant.
func (c *converter) textElement(text string, styles ...string) Element {
	el := Element{Tag: TagText, Text: text}
	if c.variant == Full && len(styles) > 0 {
		el.Style = styles
	}
	return el
}

// inlines flattens a block's inline children into post elements.
func (c *converter) inlines(block ast.Node) []Element {
	var out []Element
	c.walkInlines(block, nil, &out)
	return mergeAdjacent(out)
}

func (c *converter) walkInlines(parent ast.Node, styles []string, out *[]Element) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Text:
			value := string(node.Segment.Value(c.src))
			if value != "" {
				*out = append(*out, c.textElement(value, styles...))
			}
			if node.SoftLineBreak() || node.HardLineBreak() {
				*out = append(*out, c.textElement("\n", styles...))
			}
		case *ast.String:
			*out = append(*out, c.textElement(string(node.Value), styles...))
		case *ast.CodeSpan:
			value := c.inlineText(node)
			if value != "" {
				*out = append(*out, c.textElement(value, append(cloneStyles(styles), StyleCode)...))
			}
		case *ast.Emphasis:
			style := StyleItalic
			if node.Level >= 2 {
				style = StyleBold
			}
			c.walkInlines(node, append(cloneStyles(styles), style), out)
		case *ast.Link:
			*out = append(*out, Element{
				Tag:  TagLink,
				Text: c.inlineText(node),
				Href: string(node.Destination),
			})
		case *ast.AutoLink:
			url := string(node.URL(c.src))
			*out = append(*out, Element{Tag: TagLink, Text: url, Href: url})
		default:
			c.walkInlines(n, styles, out)
		}
	}
}

// inlineText flattens a node's inline content to plain text.
func (c *converter) inlineText(parent ast.Node) string {
	var b strings.Builder
	var walk func(ast.Node)
	walk = func(p ast.Node) {
		for n := p.FirstChild(); n != nil; n = n.NextSibling() {
			switch node := n.(type) {
			case *ast.Text:
				b.Write(node.Segment.Value(c.src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			case *ast.String:
				b.Write(node.Value)
			default:
				walk(n)
			}
		}
	}
	walk(parent)
	return b.String()
}

func cloneStyles(styles []string) []string {
	return append([]string(nil), styles...)
}

// mergeAdjacent joins neighboring text elements that carry identical styling
// so a paragraph is not shredded into per-token elements.
func mergeAdjacent(elements []Element) []Element {
	var out []Element
	for _, el := range elements {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Tag == TagText && el.Tag == TagText && sameStyles(last.Style, el.Style) {
				last.Text += el.Text
				continue
			}
		}
		out = append(out, el)
	}
	return out
}

func sameStyles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
