// internal/comparator/snapshot.go
package comparator

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Element is one element matched in a page snapshot.
type Element struct {
	Text    string
	Raw     string
	Visible bool
}

var (
	testIDRegex   = regexp.MustCompile(`^\[data-testid\s*=\s*["']?([^"'\]]+)["']?\]$`)
	hasTextRegex  = regexp.MustCompile(`^([\w-]*):has-text\(\s*["']?(.*?)["']?\s*\)$`)
	kvPairRegex   = regexp.MustCompile(`(role|aria-label|name|label)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s\]\[]+))`)
	quotedRegex   = regexp.MustCompile(`"([^"]*)"`)
	hiddenRegex   = regexp.MustCompile(`(?i)\b(hidden|invisible|aria-hidden\s*=\s*"?true"?|display:\s*none|visibility:\s*hidden)\b`)
	htmlHintRegex = regexp.MustCompile(`(?is)^\s*(<!doctype html|<html|<body|<div|<main|<form|<section|<head)`)
	cssShapeRegex = regexp.MustCompile(`^[\w\-#.\[\]="':() >+~*,^$|]+$`)
)

// IsHTML reports whether a snapshot is an HTML document rather than an
// accessibility-tree style text rendering.
func IsHTML(snapshot string) bool {
	return htmlHintRegex.MatchString(snapshot)
}

// QuerySnapshot returns the elements of snapshot matched by selector. HTML
// snapshots are queried with CSS first; text snapshots, and selectors CSS
// cannot express, fall back to selector-shape heuristics over the snapshot's
// lines.
func QuerySnapshot(snapshot, selector string) []Element {
	selector = strings.TrimSpace(selector)
	if selector == "" || snapshot == "" {
		return nil
	}
	if IsHTML(snapshot) {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(snapshot)); err == nil {
			if found := queryHTML(doc, selector); len(found) > 0 {
				return found
			}
			return queryLines(visibleLines(doc), selector)
		}
	}
	return queryLines(strings.Split(snapshot, "\n"), selector)
}

func queryHTML(doc *goquery.Document, selector string) []Element {
	css := toCSS(selector)
	if css == "" {
		return nil
	}
	var out []Element
	doc.Find(css).Each(func(_ int, s *goquery.Selection) {
		raw, _ := goquery.OuterHtml(s)
		out = append(out, Element{
			Text:    collapseSpace(s.Text()),
			Raw:     raw,
			Visible: htmlVisible(s),
		})
	})
	return out
}

// toCSS rewrites the heuristic selector shapes into CSS goquery understands.
// It returns "" for selectors that are not CSS-shaped.
func toCSS(selector string) string {
	if m := hasTextRegex.FindStringSubmatch(selector); m != nil {
		tag := m[1]
		if tag == "" {
			tag = "*"
		}
		return tag + `:contains("` + strings.ReplaceAll(m[2], `"`, `\"`) + `")`
	}
	if strings.HasPrefix(selector, "role=") || strings.HasPrefix(selector, "aria-label=") {
		var b strings.Builder
		for _, kv := range kvPairRegex.FindAllStringSubmatch(selector, -1) {
			val := kv[2] + kv[3] + kv[4]
			switch kv[1] {
			case "role":
				b.WriteString(`[role="` + val + `"]`)
			default:
				b.WriteString(`[aria-label="` + val + `"]`)
			}
		}
		return b.String()
	}
	if !cssShapeRegex.MatchString(selector) {
		return ""
	}
	return selector
}

// BrowserLocator splits a selector into a CSS query a live DOM understands
// and an optional visible-text filter. Selectors that are not CSS-shaped
// become a pure text match.
func BrowserLocator(selector string) (css, text string) {
	selector = strings.TrimSpace(selector)
	if m := hasTextRegex.FindStringSubmatch(selector); m != nil {
		tag := m[1]
		if tag == "" {
			tag = "*"
		}
		return tag, m[2]
	}
	if c := toCSS(selector); c != "" {
		return c, ""
	}
	return "", selector
}

func htmlVisible(s *goquery.Selection) bool {
	for node := s; node.Length() > 0; node = node.Parent() {
		if _, hidden := node.Attr("hidden"); hidden {
			return false
		}
		if v, _ := node.Attr("aria-hidden"); v == "true" {
			return false
		}
		if style, _ := node.Attr("style"); style != "" {
			compact := strings.ReplaceAll(strings.ToLower(style), " ", "")
			if strings.Contains(compact, "display:none") || strings.Contains(compact, "visibility:hidden") {
				return false
			}
		}
		if goquery.NodeName(node) == "body" {
			break
		}
	}
	return true
}

// labelledTags take their accessible name from all descendant text.
var labelledTags = map[string]bool{"a": true, "button": true, "label": true, "option": true, "summary": true, "th": true, "td": true, "li": true}

// visibleLines renders the document's elements as one line per element with
// its attributes and text, giving the line heuristics something to scan.
func visibleLines(doc *goquery.Document) []string {
	var lines []string
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		var b strings.Builder
		name := goquery.NodeName(s)
		b.WriteString(name)
		for _, attr := range s.Nodes[0].Attr {
			b.WriteString(" " + attr.Key + `="` + attr.Val + `"`)
		}
		text := ownText(s.Nodes[0])
		if text == "" && labelledTags[name] {
			text = collapseSpace(s.Text())
		}
		if text != "" {
			b.WriteString(` "` + text + `"`)
		}
		if !htmlVisible(s) {
			b.WriteString(" hidden")
		}
		lines = append(lines, b.String())
	})
	return lines
}

// queryLines applies the selector-shape heuristics to a line-oriented snapshot.
func queryLines(lines []string, selector string) []Element {
	match := lineMatcher(selector)
	var out []Element
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || !match(line) {
			continue
		}
		out = append(out, Element{
			Text:    lineText(line),
			Raw:     strings.TrimSpace(line),
			Visible: !hiddenRegex.MatchString(line),
		})
	}
	return out
}

func lineMatcher(selector string) func(string) bool {
	if m := testIDRegex.FindStringSubmatch(selector); m != nil {
		return containsFold(m[1])
	}
	if m := hasTextRegex.FindStringSubmatch(selector); m != nil {
		tag, text := m[1], m[2]
		return func(line string) bool {
			return (tag == "" || containsFold(tag)(line)) && containsFold(text)(line)
		}
	}
	if pairs := kvPairRegex.FindAllStringSubmatch(selector, -1); len(pairs) > 0 && strings.Contains(selector, "=") &&
		(strings.HasPrefix(selector, "role") || strings.HasPrefix(selector, "aria") || strings.HasPrefix(selector, "[")) {
		return func(line string) bool {
			for _, kv := range pairs {
				if !containsFold(kv[2] + kv[3] + kv[4])(line) {
					return false
				}
			}
			return true
		}
	}
	if (strings.HasPrefix(selector, ".") || strings.HasPrefix(selector, "#")) && len(selector) > 1 &&
		!strings.ContainsAny(selector[1:], " .#[>") {
		return containsFold(selector[1:])
	}
	return containsFold(selector)
}

func containsFold(needle string) func(string) bool {
	n := strings.ToLower(needle)
	return func(line string) bool {
		return strings.Contains(strings.ToLower(line), n)
	}
}

func ownText(n *html.Node) string {
	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			parts = append(parts, c.Data)
		}
	}
	return collapseSpace(strings.Join(parts, " "))
}

// lineText extracts the accessible name of a snapshot line: its last quoted
// string, or the trimmed line itself.
func lineText(line string) string {
	if m := quotedRegex.FindAllStringSubmatch(line, -1); len(m) > 0 {
		return m[len(m)-1][1]
	}
	return strings.TrimSpace(line)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
