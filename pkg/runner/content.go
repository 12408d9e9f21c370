package runner

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/markusmobius/go-trafilatura"
)

// articleResult is the subset of trafilatura's extraction this package
// cares about: enough to decide whether a page is worth following and to
// hand a caller clean article text.
type articleResult struct {
	Title      string
	Text       string
	TextLength int
}

// extractArticle runs trafilatura's readability extraction over a page's
// rendered HTML, falling back gracefully when no content node is found.
func extractArticle(rawURL, pageHTML string) (articleResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return articleResult{}, fmt.Errorf("parse url: %w", err)
	}

	opts := trafilatura.Options{
		OriginalURL:    parsed,
		EnableFallback: true,
	}

	result, err := trafilatura.Extract(strings.NewReader(pageHTML), opts)
	if err != nil {
		return articleResult{}, fmt.Errorf("extract: %w", err)
	}
	if result == nil || result.ContentNode == nil {
		return articleResult{}, nil
	}

	text := strings.TrimSpace(result.ContentText)
	return articleResult{
		Title:      result.Metadata.Title,
		Text:       text,
		TextLength: len(text),
	}, nil
}

// hasContent reports whether a rendered page carries at least minLength
// characters of visible text once script and style elements are
// stripped — a cheap heuristic to skip chrome-only or empty pages before
// spending an extraction pass on them.
func hasContent(pageHTML string, minLength int) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return false
	}
	doc.Find("script, style").Remove()
	text := strings.TrimSpace(doc.Text())
	return len(text) >= minLength
}

// extractLinks collects every absolute href found in the page, resolved
// against rawURL as the base.
func extractLinks(rawURL, pageHTML string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		abs, err := base.Parse(href)
		if err != nil {
			return
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		str := abs.String()
		if seen[str] {
			return
		}
		seen[str] = true
		links = append(links, str)
	})

	return links, nil
}
