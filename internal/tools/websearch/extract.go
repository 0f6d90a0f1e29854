package websearch

import (
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Page is the readable content of an HTML document.
type Page struct {
	Title       string
	Description string
	Text        string
}

// String renders the page the way webFetch reports it.
func (p Page) String() string {
	var b strings.Builder
	if p.Title != "" {
		b.WriteString("Title: " + p.Title + "\n\n")
	}
	if p.Description != "" {
		b.WriteString("Description: " + p.Description + "\n\n")
	}
	b.WriteString(p.Text)
	return strings.TrimSpace(b.String())
}

// minMainContent is how much text a <main> or <article> needs before it
// is preferred over the whole body.
const minMainContent = 200

var (
	skipped = map[atom.Atom]bool{
		atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Iframe: true,
		atom.Nav: true, atom.Header: true, atom.Footer: true, atom.Aside: true,
		atom.Svg: true, atom.Form: true, atom.Template: true,
	}
	blocks = map[atom.Atom]bool{
		atom.P: true, atom.Div: true, atom.Section: true, atom.Br: true, atom.Li: true,
		atom.Tr: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
		atom.H5: true, atom.H6: true, atom.Pre: true, atom.Blockquote: true,
		atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Main: true, atom.Article: true,
	}

	spaceRun   = regexp.MustCompile(`[^\S\n]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// Extract parses an HTML document into its readable text.
func Extract(r io.Reader) (Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Page{}, err
	}

	var page Page
	var main *html.Node
	var body *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if page.Title == "" {
					page.Title = clean(textOf(n))
				}
			case atom.Meta:
				name := strings.ToLower(attr(n, "name") + attr(n, "property"))
				if page.Description == "" && (name == "description" || name == "og:description") {
					page.Description = clean(attr(n, "content"))
				}
			case atom.Main, atom.Article:
				if main == nil {
					main = n
				}
			case atom.Body:
				body = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if main != nil {
		if text := clean(textOf(main)); len(text) >= minMainContent {
			page.Text = text
			return page, nil
		}
	}
	if body == nil {
		body = doc
	}
	page.Text = clean(textOf(body))
	return page, nil
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipped[n.DataAtom] {
				return
			}
			if blocks[n.DataAtom] {
				b.WriteByte('\n')
				defer b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func clean(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(newlineRun.ReplaceAllString(text, "\n\n"))
}
