// Package preprocess derives plain text and candidate URLs from raw email bodies.
// Nothing here returns an error: unparseable input degrades to empty output.
package preprocess

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/publicsuffix"
)

// urlPattern matches http(s) URLs up to whitespace, ')', '>', ']' or '"'.
var urlPattern = regexp.MustCompile(`(?i)https?://[^\s)>\]"]+`)

// ExtractText returns bodyText verbatim when it has content, otherwise the
// visible text of bodyHTML with script/style content dropped and runs of
// ASCII whitespace collapsed to single spaces.
func ExtractText(bodyHTML, bodyText string) string {
	if strings.TrimSpace(bodyText) != "" {
		return bodyText
	}
	if bodyHTML == "" {
		return ""
	}
	return htmlToText(bodyHTML)
}

func htmlToText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a malformed tail; keep what was collected either way.
			return collapseSpace(b.String())
		case html.StartTagToken:
			if isHidden(z) {
				skip++
			}
		case html.EndTagToken:
			if skip > 0 && isHidden(z) {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

// collapseSpace trims and joins runs of ASCII whitespace with a single space.
// Other space characters such as U+00A0 (&nbsp;) are text and are kept.
func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, isASCIISpace), " ")
}

func isASCIISpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

func isHidden(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	a := atom.Lookup(name)
	return a == atom.Script || a == atom.Style
}

// ExtractURLs scans bodyHTML and bodyText independently and returns the
// de-duplicated union of http(s) URLs found in either, sorted.
func ExtractURLs(bodyHTML, bodyText string) []string {
	seen := make(map[string]struct{})
	for _, src := range []string{bodyHTML, bodyText} {
		if src == "" {
			continue
		}
		for _, u := range urlPattern.FindAllString(src, -1) {
			seen[u] = struct{}{}
		}
	}

	urls := make([]string, 0, len(seen))
	for u := range seen {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// CanonicalDomain returns the registrable domain of rawURL (e.g.
// "login.example.co.uk" → "example.co.uk"). It falls back to the bare host
// when the public suffix list has no answer, and to "" for unparseable input.
func CanonicalDomain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
