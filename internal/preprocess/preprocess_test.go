package preprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractText_PrefersBodyText(t *testing.T) {
	got := ExtractText("<p>ignored</p>", "  Plain body\nwith lines  ")
	assert.Equal(t, "  Plain body\nwith lines  ", got)
}

func TestExtractText_BlankBodyTextFallsBackToHTML(t *testing.T) {
	got := ExtractText("<p>Hello <b>there</b></p>", "   \n\t")
	assert.Equal(t, "Hello there", got)
}

func TestExtractText_StripsScriptAndStyle(t *testing.T) {
	doc := `<html><head><style>body { color: red; }</style>
<script>var x = "<p>hidden</p>";</script></head>
<body><h1>Account   notice</h1><p>Verify your&nbsp;account &amp; password</p></body></html>`

	got := ExtractText(doc, "")
	assert.Equal(t, "Account notice Verify your\u00a0account & password", got)
	assert.NotContains(t, got, "color")
	assert.NotContains(t, got, "hidden")
}

func TestExtractText_CollapsesOnlyASCIIWhitespace(t *testing.T) {
	got := ExtractText("<p>\t Pay\r\n\n now&nbsp;&nbsp;or \f lose\vaccess </p>", "")
	assert.Equal(t, "Pay now\u00a0\u00a0or lose access", got)
}

func TestExtractText_EmptyInput(t *testing.T) {
	assert.Equal(t, "", ExtractText("", ""))
}

func TestExtractText_MalformedHTMLDegrades(t *testing.T) {
	got := ExtractText("<div><p>unclosed <b>tags", "")
	assert.Equal(t, "unclosed tags", got)
}

func TestExtractURLs_UnionWithoutDuplicates(t *testing.T) {
	html := `<a href="https://login.example.com/reset">reset</a> <a href="http://evil.test/x">x</a>`
	text := "Go to https://login.example.com/reset or (https://other.example.org/path) now"

	got := ExtractURLs(html, text)
	assert.Equal(t, []string{
		"http://evil.test/x",
		"https://login.example.com/reset",
		"https://other.example.org/path",
	}, got)
}

func TestExtractURLs_Terminators(t *testing.T) {
	got := ExtractURLs("", `see <https://a.test/1> and [https://b.test/2] and "https://c.test/3"`)
	assert.Equal(t, []string{"https://a.test/1", "https://b.test/2", "https://c.test/3"}, got)
}

func TestExtractURLs_CaseInsensitiveScheme(t *testing.T) {
	got := ExtractURLs("", "HTTPS://Example.COM/Login")
	assert.Equal(t, []string{"HTTPS://Example.COM/Login"}, got)
}

func TestExtractURLs_None(t *testing.T) {
	assert.Empty(t, ExtractURLs("", "no links here, ftp://not.matched"))
	assert.Empty(t, ExtractURLs("", ""))
}

func TestCanonicalDomain(t *testing.T) {
	cases := map[string]string{
		"https://login.example.co.uk/path": "example.co.uk",
		"http://WWW.Example.com":           "example.com",
		"https://localhost:8080/x":         "localhost",
		"not a url":                        "",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalDomain(in), in)
	}
}
