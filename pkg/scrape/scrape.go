// Package scrape offers the few tree queries the CGI screen scrapers need on top of golang.org/x/net/html.
package scrape

import (
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"strings"
)

// Matcher decides whether a node is of interest.
type Matcher func(*html.Node) bool

// Element matches element nodes of the given tag with all given attribute key/value pairs.
// An empty value only requires the attribute to be present.
func Element(tag atom.Atom, attrs ...string) Matcher {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.DataAtom != tag {
			return false
		}

		for i := 0; i+1 < len(attrs); i += 2 {
			v, ok := lookup(n, attrs[i])
			if !ok || (attrs[i+1] != "" && v != attrs[i+1]) {
				return false
			}
		}

		return true
	}
}

// WithClass matches element nodes of the given tag whose class list contains class.
func WithClass(tag atom.Atom, class string) Matcher {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.DataAtom != tag {
			return false
		}

		for _, c := range strings.Fields(Attr(n, "class")) {
			if c == class {
				return true
			}
		}

		return false
	}
}

// FindAll returns all descendants of n matching m in document order.
func FindAll(n *html.Node, m Matcher) []*html.Node {
	var found []*html.Node
	walk(n, func(c *html.Node) bool {
		if m(c) {
			found = append(found, c)
		}

		return true
	})

	return found
}

// Find returns the first descendant of n matching m or nil.
func Find(n *html.Node, m Matcher) *html.Node {
	var found *html.Node
	walk(n, func(c *html.Node) bool {
		if found == nil && m(c) {
			found = c
		}

		return found == nil
	})

	return found
}

// Children returns the direct element children of n with the given tag.
func Children(n *html.Node, tag atom.Atom) []*html.Node {
	var children []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == tag {
			children = append(children, c)
		}
	}

	return children
}

// Attr returns the value of the attribute key or "".
func Attr(n *html.Node, key string) string {
	v, _ := lookup(n, key)

	return v
}

// Text returns the whitespace-normalized text content of n.
func Text(n *html.Node) string {
	if n == nil {
		return ""
	}

	var sb strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
		}

		return true
	})

	return strings.Join(strings.Fields(strings.ReplaceAll(sb.String(), "\u00a0", " ")), " ")
}

// PlainText strips the markup from an HTML fragment such as plugin output.
func PlainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}

	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}

	return Text(doc)
}

// FirstText returns the first non-blank text below n, trimmed.
func FirstText(n *html.Node) string {
	if n == nil {
		return ""
	}

	var text string
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			if t := strings.TrimSpace(strings.ReplaceAll(c.Data, "\u00a0", " ")); t != "" {
				text = t
			}
		}

		return text == ""
	})

	return text
}

// InputValue returns the value of the first <input> named name or "".
func InputValue(doc *html.Node, name string) string {
	if in := Find(doc, Element(atom.Input, "name", name)); in != nil {
		return Attr(in, "value")
	}

	return ""
}

// ImageNames returns the file names of all <img> below n, e.g. "ack.gif".
func ImageNames(n *html.Node) []string {
	var names []string
	for _, img := range FindAll(n, Element(atom.Img, "src", "")) {
		src := Attr(img, "src")
		if i := strings.LastIndexByte(src, '/'); i >= 0 {
			src = src[i+1:]
		}

		names = append(names, src)
	}

	return names
}

func lookup(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}

	return "", false
}

// walk visits n and its descendants depth-first until visit returns false.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if !visit(n) {
		return false
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}

	return true
}
