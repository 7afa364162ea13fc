// Package linkpreview fetches OpenGraph metadata for the first URL found
// in a chat message, so rooms can show a rich preview instead of a bare
// link.
package linkpreview

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// FetchTimeout bounds how long a preview fetch may take. Callers run
	// Fetch in a goroutine regardless, so chat delivery is never delayed.
	FetchTimeout = 4 * time.Second

	// MaxBody caps how many response bytes are scanned for metadata; a
	// page's <head> is always well within this.
	MaxBody = 256 * 1024

	maxRedirects = 3
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// ExtractFirstURL returns the first http(s) URL found in text, or "".
func ExtractFirstURL(text string) string {
	return urlPattern.FindString(text)
}

// Preview holds OpenGraph metadata extracted from a web page.
type Preview struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Desc     string `json:"description,omitempty"`
	Image    string `json:"image,omitempty"`
	SiteName string `json:"siteName,omitempty"`
}

// ogKeys maps the meta properties this package understands to where they
// land in Preview. name="description" is handled separately as a fallback
// for pages that never declare og:description.
var ogKeys = map[string]func(*Preview, string){
	"og:title":       func(p *Preview, v string) { p.Title = v },
	"og:description": func(p *Preview, v string) { p.Desc = v },
	"og:image":       func(p *Preview, v string) { p.Image = v },
	"og:site_name":   func(p *Preview, v string) { p.SiteName = v },
}

// Fetch retrieves rawURL and extracts OpenGraph metadata. Non-HTML
// responses return a bare Preview (URL only, no error).
func Fetch(rawURL string) (Preview, error) {
	resp, err := get(rawURL)
	if err != nil {
		return Preview{}, err
	}
	defer resp.Body.Close()

	if !looksLikeHTML(resp.Header.Get("Content-Type")) {
		return Preview{URL: rawURL}, nil
	}

	scraper := newScraper(rawURL, io.LimitReader(resp.Body, MaxBody))
	return scraper.scan()
}

func get(rawURL string) (*http.Response, error) {
	client := &http.Client{
		Timeout:       FetchTimeout,
		CheckRedirect: capRedirects,
	}

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build preview request: %w", err)
	}
	req.Header.Set("User-Agent", "watchsync-linkpreview/1.0")
	req.Header.Set("Accept", "text/html")

	return client.Do(req)
}

func capRedirects(_ *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return http.ErrUseLastResponse
	}
	return nil
}

func looksLikeHTML(contentType string) bool {
	return strings.Contains(contentType, "text/html") || strings.Contains(contentType, "application/xhtml")
}

// scraper walks an HTML token stream looking for <title> and OpenGraph
// <meta> tags, abandoning the scan as soon as <body> opens since none of
// that metadata lives past <head>.
type scraper struct {
	tokenizer *html.Tokenizer
	preview   Preview

	inTitle bool
	title   strings.Builder
}

func newScraper(rawURL string, r io.Reader) *scraper {
	return &scraper{
		tokenizer: html.NewTokenizer(r),
		preview:   Preview{URL: rawURL},
	}
}

func (s *scraper) scan() (Preview, error) {
	for {
		switch s.tokenizer.Next() {
		case html.ErrorToken:
			s.applyTitleFallback()
			return s.preview, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			if done := s.handleTag(); done {
				return s.preview, nil
			}

		case html.TextToken:
			if s.inTitle {
				s.title.Write(s.tokenizer.Text())
			}

		case html.EndTagToken:
			name, _ := s.tokenizer.TagName()
			if string(name) == "title" {
				s.inTitle = false
			}
		}
	}
}

// handleTag processes one start/self-closing tag and reports whether the
// scan should stop (reached <body>, nothing of interest left).
func (s *scraper) handleTag() (stop bool) {
	name, hasAttr := s.tokenizer.TagName()
	switch string(name) {
	case "title":
		s.inTitle = true
	case "body":
		s.applyTitleFallback()
		return true
	case "meta":
		if hasAttr {
			s.applyMeta(readAttrs(s.tokenizer))
		}
	}
	return false
}

func (s *scraper) applyTitleFallback() {
	if s.preview.Title == "" && s.title.Len() > 0 {
		s.preview.Title = s.title.String()
	}
}

func (s *scraper) applyMeta(attrs map[string]string) {
	content := attrs["content"]
	if content == "" {
		return
	}
	if set, ok := ogKeys[attrs["property"]]; ok {
		set(&s.preview, content)
		return
	}
	if attrs["name"] == "description" && s.preview.Desc == "" {
		s.preview.Desc = content
	}
}

// readAttrs drains every attribute of the tokenizer's current tag into a
// map, so callers can look values up by key instead of tracking several
// loop-local variables.
func readAttrs(tokenizer *html.Tokenizer) map[string]string {
	attrs := make(map[string]string, 4)
	for {
		key, val, more := tokenizer.TagAttr()
		attrs[string(key)] = string(val)
		if !more {
			return attrs
		}
	}
}
