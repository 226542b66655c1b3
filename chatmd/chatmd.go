// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatmd renders agent Markdown as Telegram HTML.
//
// Telegram accepts only a small HTML vocabulary (b, i, s, code, pre,
// a, blockquote) and rejects the whole message on anything else, so
// rather than regex-rewriting Markdown we parse it properly with
// goldmark and re-emit just the supported tags. Unsupported structure
// degrades to plain text instead of a delivery failure.
package chatmd

import (
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
)

// ToTelegramHTML converts Markdown to Telegram-safe HTML.
func ToTelegramHTML(source string) string {
	input := []byte(source)
	document := markdown.Parser().Parse(text.NewReader(input))

	var b strings.Builder
	for node := document.FirstChild(); node != nil; node = node.NextSibling() {
		renderBlock(&b, node, input, 0)
	}
	return strings.TrimSpace(b.String())
}

func renderBlock(b *strings.Builder, node ast.Node, source []byte, depth int) {
	switch n := node.(type) {
	case *ast.Heading:
		b.WriteString("<b>")
		renderInline(b, n, source)
		b.WriteString("</b>\n\n")

	case *ast.Paragraph, *ast.TextBlock:
		renderInline(b, node, source)
		b.WriteString("\n\n")

	case *ast.FencedCodeBlock:
		language := string(n.Language(source))
		if language != "" {
			fmt.Fprintf(b, "<pre><code class=\"language-%s\">", html.EscapeString(language))
			writeCodeLines(b, n, source)
			b.WriteString("</code></pre>\n\n")
		} else {
			b.WriteString("<pre>")
			writeCodeLines(b, n, source)
			b.WriteString("</pre>\n\n")
		}

	case *ast.CodeBlock:
		b.WriteString("<pre>")
		writeCodeLines(b, n, source)
		b.WriteString("</pre>\n\n")

	case *ast.List:
		renderList(b, n, source, depth)
		if depth == 0 {
			b.WriteString("\n")
		}

	case *ast.Blockquote:
		b.WriteString("<blockquote>")
		var inner strings.Builder
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			renderBlock(&inner, child, source, depth)
		}
		b.WriteString(strings.TrimSpace(inner.String()))
		b.WriteString("</blockquote>\n\n")

	case *ast.ThematicBreak:
		// No Telegram equivalent; drop it.

	case *ast.HTMLBlock:
		// Raw HTML from the agent cannot be trusted against Telegram's
		// whitelist; show it as text.
		writeRawLines(b, n, source)
		b.WriteString("\n\n")

	default:
		renderInline(b, node, source)
		b.WriteString("\n\n")
	}
}

func writeCodeLines(b *strings.Builder, node ast.Node, source []byte) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		b.WriteString(html.EscapeString(string(segment.Value(source))))
	}
}

func writeRawLines(b *strings.Builder, node ast.Node, source []byte) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		b.WriteString(html.EscapeString(strings.TrimRight(string(segment.Value(source)), "\n")))
		if i < lines.Len()-1 {
			b.WriteString("\n")
		}
	}
}

func renderList(b *strings.Builder, list *ast.List, source []byte, depth int) {
	indent := strings.Repeat("  ", depth)
	index := list.Start
	if index == 0 {
		index = 1
	}
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		b.WriteString(indent)
		if list.IsOrdered() {
			fmt.Fprintf(b, "%d. ", index)
			index++
		} else {
			b.WriteString("• ")
		}
		first := true
		for child := item.FirstChild(); child != nil; child = child.NextSibling() {
			switch c := child.(type) {
			case *ast.List:
				b.WriteString("\n")
				renderList(b, c, source, depth+1)
			default:
				if !first {
					b.WriteString(" ")
				}
				renderInline(b, child, source)
				first = false
			}
		}
		if item.NextSibling() != nil || depth > 0 {
			b.WriteString("\n")
		}
	}
}

func renderInline(b *strings.Builder, parent ast.Node, source []byte) {
	for node := parent.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Text:
			b.WriteString(html.EscapeString(string(n.Segment.Value(source))))
			if n.SoftLineBreak() || n.HardLineBreak() {
				b.WriteString("\n")
			}

		case *ast.String:
			b.WriteString(html.EscapeString(string(n.Value)))

		case *ast.CodeSpan:
			b.WriteString("<code>")
			b.WriteString(html.EscapeString(codeSpanText(n, source)))
			b.WriteString("</code>")

		case *ast.Emphasis:
			tag := "i"
			if n.Level >= 2 {
				tag = "b"
			}
			b.WriteString("<" + tag + ">")
			renderInline(b, n, source)
			b.WriteString("</" + tag + ">")

		case *east.Strikethrough:
			b.WriteString("<s>")
			renderInline(b, n, source)
			b.WriteString("</s>")

		case *ast.Link:
			fmt.Fprintf(b, "<a href=\"%s\">", html.EscapeString(string(n.Destination)))
			renderInline(b, n, source)
			b.WriteString("</a>")

		case *ast.AutoLink:
			url := string(n.URL(source))
			fmt.Fprintf(b, "<a href=\"%s\">%s</a>", html.EscapeString(url), html.EscapeString(url))

		case *ast.Image:
			// Telegram cannot embed images in text; fall back to the
			// alt text as a link.
			fmt.Fprintf(b, "<a href=\"%s\">", html.EscapeString(string(n.Destination)))
			renderInline(b, n, source)
			b.WriteString("</a>")

		case *ast.RawHTML:
			for i := 0; i < n.Segments.Len(); i++ {
				segment := n.Segments.At(i)
				b.WriteString(html.EscapeString(string(segment.Value(source))))
			}

		default:
			renderInline(b, node, source)
		}
	}
}

func codeSpanText(node ast.Node, source []byte) string {
	var b strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
		}
	}
	return b.String()
}
