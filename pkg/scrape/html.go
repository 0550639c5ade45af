// Package scrape pulls form inputs and table cells out of portal pages.
package scrape

import (
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Page is a parsed HTML document.
type Page struct {
	root *html.Node
}

func Parse(r io.Reader) (*Page, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	return &Page{root: root}, nil
}

// Input returns the value attribute of the first <input name=name>.
func (p *Page) Input(name string) (string, bool) {
	var (
		value string
		found bool
	)
	walk(p.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Input && attr(n, "name") == name {
			value, found = attr(n, "value"), true
			return false
		}
		return true
	})
	return value, found
}

// Inputs returns the values of every named input present on the page.
func (p *Page) Inputs(names ...string) map[string]string {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make(map[string]string, len(names))
	walk(p.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Input {
			name := attr(n, "name")
			if _, seen := out[name]; want[name] && !seen {
				out[name] = attr(n, "value")
			}
		}
		return true
	})
	return out
}

// HasInput reports whether an input with the given name exists.
func (p *Page) HasInput(name string) bool {
	_, ok := p.Input(name)
	return ok
}

// TableRows returns the trimmed cell texts of each <tbody> row of the table
// with the given id. ok is false when the table or its body is missing.
func (p *Page) TableRows(id string) (rows [][]string, ok bool) {
	var table *html.Node
	walk(p.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Table && attr(n, "id") == id {
			table = n
			return false
		}
		return true
	})
	if table == nil {
		return nil, false
	}
	var body *html.Node
	for c := table.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Tbody {
			body = c
			break
		}
	}
	if body == nil {
		return nil, false
	}
	for tr := body.FirstChild; tr != nil; tr = tr.NextSibling {
		if tr.Type != html.ElementNode || tr.DataAtom != atom.Tr {
			continue
		}
		var cells []string
		for td := tr.FirstChild; td != nil; td = td.NextSibling {
			if td.Type == html.ElementNode && td.DataAtom == atom.Td {
				cells = append(cells, text(td))
			}
		}
		rows = append(rows, cells)
	}
	return rows, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

// walk visits n depth-first until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}
