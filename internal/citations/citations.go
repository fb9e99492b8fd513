// ABOUTME: Extracts document sources and case references from assistant markdown
// ABOUTME: Walks the goldmark AST collecting links and "X v. Y" style citations

package citations

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/solon-labs/solon-gateway/internal/store"
)

// caseNameRe matches party-versus-party case names like "Green v. Superior Court"
var caseNameRe = regexp.MustCompile(`^[A-Z][\w.'&-]*(?:\s+[\w.'&-]+)*\s+v\.?\s+[A-Z][\w.'&-]*(?:\s+[\w.'&-]+)*$`)

// reporterRe matches a leading reporter citation like "10 Cal.3d 616" or
// "347 U.S. 483 (1954)" in the text that follows a case name
var reporterRe = regexp.MustCompile(`^[,;]?\s*(\d+\s+[A-Z][\w.]*(?:\s?[\w.]+)*\s+\d+(?:\s+\(\d{4}\))?)`)

// Extract parses markdown produced by the counsel engine and pulls out
// citation attachments: every hyperlink becomes a Source, and every
// emphasized party-versus-party name becomes a RelatedCase, picking up a
// reporter citation from the text immediately after the emphasis when one
// is present. Duplicates are collapsed, first occurrence wins.
func Extract(markdown string) ([]store.Source, []store.RelatedCase) {
	source := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var sources []store.Source
	var cases []store.RelatedCase
	seenURLs := make(map[string]bool)
	seenCases := make(map[string]bool)

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Link:
			url := string(node.Destination)
			if url == "" || seenURLs[url] {
				return ast.WalkSkipChildren, nil
			}
			seenURLs[url] = true
			title := nodeText(node, source)
			if title == "" {
				title = url
			}
			sources = append(sources, store.Source{Title: title, URL: url})
			return ast.WalkSkipChildren, nil

		case *ast.Emphasis:
			name := strings.TrimSpace(nodeText(node, source))
			if !caseNameRe.MatchString(name) || seenCases[name] {
				return ast.WalkSkipChildren, nil
			}
			seenCases[name] = true
			cases = append(cases, store.RelatedCase{
				Name:     name,
				Citation: trailingCitation(node, source),
			})
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})

	return sources, cases
}

// nodeText concatenates the text segments under an inline node
func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
		} else {
			sb.WriteString(nodeText(c, source))
		}
	}
	return sb.String()
}

// trailingCitation looks at the text node following an emphasized case name
// for a reporter citation such as ", 10 Cal.3d 616 (1974)"
func trailingCitation(n ast.Node, source []byte) string {
	next, ok := n.NextSibling().(*ast.Text)
	if !ok {
		return ""
	}

	m := reporterRe.FindStringSubmatch(string(next.Segment.Value(source)))
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
