// Package selector synthesizes durable XPath selectors from user-captured
// element descriptions.
package selector

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"pricehound/internal/watch"
)

// maxAncestors bounds how far up the captured lineage the fallback walks.
const maxAncestors = 5

// Synthesize computes a selector that resolves to exactly one node in the
// captured document. Attribute-based candidates are tried in priority order
// (id, class, itemprop, data-role, then ancestor classes) because they
// survive unrelated DOM changes far better than positional indices. The
// result is deterministic: identical inputs always yield the identical
// selector string.
func Synthesize(pageHTML string, sel watch.Selection) (string, error) {
	doc, err := htmlquery.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return "", fmt.Errorf("parse page html: %w", err)
	}

	tag, attrs, err := parseElement(sel.Element)
	if err != nil {
		return "", err
	}

	for _, attr := range []string{"id", "class", "itemprop", "data-role"} {
		value, ok := attrs[attr]
		if !ok || strings.TrimSpace(value) == "" || strings.Contains(value, "'") {
			continue
		}
		xp := fmt.Sprintf("//%s[@%s='%s']", tag, attr, value)
		if matchesExactlyOne(doc, xp) {
			return xp, nil
		}
	}

	if xp, ok := ancestorFallback(doc, sel); ok {
		return xp, nil
	}

	return "", watch.E(watch.KindSelectorNotFound, "could not uniquely locate element")
}

// ancestorFallback walks the lineage closest parent first, looking for an
// ancestor whose class resolves to one node reproducing the captured text.
// When an ancestor's class alone is ambiguous or textually wrong, it retries
// nesting the previous (closer) ancestor's class inside it before moving up.
func ancestorFallback(doc *html.Node, sel watch.Selection) (string, bool) {
	lineage := sel.Lineage
	if len(lineage) > maxAncestors {
		lineage = lineage[:maxAncestors]
	}

	for i, ancestor := range lineage {
		if strings.TrimSpace(ancestor.Classes) == "" || strings.Contains(ancestor.Classes, "'") {
			continue
		}
		xp := fmt.Sprintf("//%s[@class='%s']", strings.ToLower(ancestor.Tag), ancestor.Classes)
		if nodes := query(doc, xp); len(nodes) == 1 && textEquals(nodes[0], sel.Text) {
			return xp, true
		}

		if i == 0 {
			continue
		}
		previous := lineage[i-1]
		if strings.TrimSpace(previous.Classes) == "" || strings.Contains(previous.Classes, "'") {
			continue
		}
		nested := fmt.Sprintf("%s//%s[@class='%s']", xp, strings.ToLower(previous.Tag), previous.Classes)
		if nodes := query(doc, nested); len(nodes) == 1 && textEquals(nodes[0], sel.Text) {
			return nested, true
		}
	}
	return "", false
}

// parseElement extracts the tag name and attributes from the raw HTML of the
// captured element. Fragment parsing follows HTML5 insertion rules, which
// drop table-scoped tags outside a table, so the fragment is retried under
// row and table-body context nodes before giving up.
func parseElement(rawHTML string) (string, map[string]string, error) {
	for _, parent := range []atom.Atom{atom.Div, atom.Tr, atom.Tbody} {
		nodes, err := html.ParseFragment(strings.NewReader(rawHTML), &html.Node{
			Type:     html.ElementNode,
			Data:     parent.String(),
			DataAtom: parent,
		})
		if err != nil {
			return "", nil, fmt.Errorf("parse element html: %w", err)
		}
		for _, node := range nodes {
			if node.Type != html.ElementNode {
				continue
			}
			attrs := make(map[string]string, len(node.Attr))
			for _, a := range node.Attr {
				attrs[a.Key] = a.Val
			}
			return strings.ToLower(node.Data), attrs, nil
		}
	}
	return "", nil, watch.E(watch.KindSelectorNotFound, "selection contains no element")
}

func query(doc *html.Node, xp string) []*html.Node {
	nodes, err := htmlquery.QueryAll(doc, xp)
	if err != nil {
		return nil
	}
	return nodes
}

func matchesExactlyOne(doc *html.Node, xp string) bool {
	return len(query(doc, xp)) == 1
}

func textEquals(node *html.Node, want string) bool {
	got := strings.TrimSpace(htmlquery.InnerText(node))
	return strings.EqualFold(got, strings.TrimSpace(want))
}
