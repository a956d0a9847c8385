package email

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/k3a/html2text"
	"golang.org/x/net/html"
)

// allowedTags are kept with their safe attributes; all other elements are
// unwrapped to their text, except droppedTags which vanish with their content.
var allowedTags = map[string]bool{
	"p": true, "br": true, "b": true, "strong": true, "i": true, "em": true, "u": true,
	"blockquote": true, "img": true, "a": true, "ul": true, "ol": true, "li": true,
	"div": true, "span": true, "pre": true, "code": true, "hr": true,
}

var droppedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"head": true, "title": true, "form": true, "textarea": true, "select": true,
}

var voidTags = map[string]bool{"br": true, "hr": true, "img": true}

// sanitizeHTML reduces untrusted post HTML to a small allow-list of tags.
// Images keep src and alt, links keep href, and only http(s) or relative URLs survive.
func sanitizeHTML(input string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(input))
	if err != nil {
		return escapeHTML(input)
	}

	var b strings.Builder
	doc.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			renderNode(&b, n)
		}
	})
	return b.String()
}

func renderNode(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(escapeHTML(n.Data))
		return
	case html.ElementNode:
	default:
		// Comments and doctypes are dropped.
		return
	}

	tag := strings.ToLower(n.Data)
	switch {
	case droppedTags[tag]:
		return
	case tag == "iframe":
		if src := attr(n, "src"); src != "" && isSafeURL(src) {
			b.WriteString(`[iframe: <a href="`)
			b.WriteString(escapeHTML(src))
			b.WriteString(`">`)
			b.WriteString(escapeHTML(src))
			b.WriteString("</a>]")
		} else {
			b.WriteString("[replaced iframe]")
		}
		return
	case tag == "video" || tag == "embed" || tag == "object" || tag == "audio":
		b.WriteString("[replaced ")
		b.WriteString(tag)
		b.WriteString("]")
		return
	case !allowedTags[tag]:
		renderChildren(b, n)
		return
	}

	b.WriteString("<")
	b.WriteString(tag)
	switch tag {
	case "img":
		if src := attr(n, "src"); src != "" && isSafeURL(src) {
			writeAttr(b, "src", src)
		}
		if alt := attr(n, "alt"); alt != "" {
			writeAttr(b, "alt", alt)
		}
	case "a":
		if href := attr(n, "href"); href != "" && isSafeURL(href) {
			writeAttr(b, "href", href)
		}
	}
	b.WriteString(">")
	if voidTags[tag] {
		return
	}
	renderChildren(b, n)
	b.WriteString("</")
	b.WriteString(tag)
	b.WriteString(">")
}

func renderChildren(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(b, c)
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func writeAttr(b *strings.Builder, name, val string) {
	b.WriteString(" ")
	b.WriteString(name)
	b.WriteString(`="`)
	b.WriteString(escapeHTML(val))
	b.WriteString(`"`)
}

// isSafeURL validates that a URL is safe for use in emails.
// Only allows http, https, and relative URLs. Blocks javascript:, data:, etc.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	if urlStr == "" {
		return false
	}
	for _, protocol := range []string{"javascript:", "data:", "vbscript:", "file:", "about:"} {
		if strings.HasPrefix(urlStr, protocol) {
			return false
		}
	}
	return strings.HasPrefix(urlStr, "http://") ||
		strings.HasPrefix(urlStr, "https://") ||
		strings.HasPrefix(urlStr, "/") ||
		strings.HasPrefix(urlStr, "./") ||
		strings.HasPrefix(urlStr, "../") ||
		!strings.Contains(urlStr, ":")
}

// plainText renders HTML as readable plain text for the text/plain part.
func plainText(htmlBody string) string {
	if i := strings.Index(htmlBody, "<body>"); i >= 0 {
		htmlBody = htmlBody[i:]
	}
	return strings.TrimSpace(html2text.HTML2Text(htmlBody))
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
