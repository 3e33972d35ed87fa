// Package htmlmd implements the HTML-to-markdown extractor the file
// sync daemon runs over a subscription body that begins with
// <!DOCTYPE or <html. It is a small tokenizer pass rather than a full
// renderer: good enough to mirror a chat/mail page into a readable
// local file, not a browser replacement.
package htmlmd

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// LooksLikeHTML reports whether body should be run through Extract
// before being written to disk.
func LooksLikeHTML(body string) bool {
	trimmed := strings.TrimLeftFunc(body, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	lower := strings.ToLower(trimmed)
	return strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html")
}

// Extract walks the parsed document and renders a readable markdown
// approximation: headings become `#`-prefixed lines, paragraphs and
// block elements become blank-line-separated text, links become
// `[text](href)`, and list items become `-` bullets.
func Extract(body string) (string, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	w := &writer{b: &b}
	w.walk(doc)
	return strings.TrimSpace(collapseBlankLines(b.String())) + "\n", nil
}

type writer struct {
	b         *strings.Builder
	listDepth int
}

func (w *writer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		text := collapseSpace(n.Data)
		if text != "" {
			w.b.WriteString(text)
		}
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head, atom.Noscript:
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			w.blockStart()
			w.b.WriteString(strings.Repeat("#", headingLevel(n.DataAtom)) + " ")
			w.children(n)
			w.blockEnd()
			return
		case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer:
			w.blockStart()
			w.children(n)
			w.blockEnd()
			return
		case atom.Br:
			w.b.WriteString("\n")
			return
		case atom.Li:
			w.blockStart()
			w.b.WriteString(strings.Repeat("  ", maxInt(w.listDepth-1, 0)) + "- ")
			w.children(n)
			w.blockEnd()
			return
		case atom.Ul, atom.Ol:
			w.listDepth++
			w.children(n)
			w.listDepth--
			return
		case atom.A:
			href := attr(n, "href")
			sub := &writer{b: &strings.Builder{}, listDepth: w.listDepth}
			sub.children(n)
			text := sub.b.String()
			if href == "" || text == "" {
				w.b.WriteString(text)
			} else {
				w.b.WriteString("[" + text + "](" + href + ")")
			}
			return
		}
	}
	w.children(n)
}

func (w *writer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *writer) blockStart() {
	s := w.b.String()
	if len(s) > 0 && !strings.HasSuffix(s, "\n\n") {
		w.b.WriteString("\n")
	}
}

func (w *writer) blockEnd() {
	w.b.WriteString("\n\n")
}

func headingLevel(a atom.Atom) int {
	switch a {
	case atom.H1:
		return 1
	case atom.H2:
		return 2
	case atom.H3:
		return 3
	case atom.H4:
		return 4
	case atom.H5:
		return 5
	default:
		return 6
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func collapseSpace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s != "" {
			return " "
		}
		return ""
	}
	return strings.Join(fields, " ")
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
