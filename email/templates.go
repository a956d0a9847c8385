package email

import (
	"fmt"
	"strings"
	"time"

	"forum-notifier/pkg/notifier"
)

const styleSheet = `<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }
.header { border-bottom: 2px solid #2c7be5; padding-bottom: 10px; margin-bottom: 20px; }
.discussion { margin-bottom: 30px; }
.discussion h3 { margin: 0 0 4px 0; }
.forum { color: #7f8c8d; font-size: 0.9em; }
.post { margin: 15px 0; padding-bottom: 15px; border-bottom: 1px solid #e3e8ee; }
.post:last-of-type { border-bottom: none; }
.meta { margin-bottom: 8px; }
.author { color: #2c7be5; font-weight: 600; }
.timestamp { color: #7f8c8d; font-size: 0.9em; }
.content img { max-width: 100%; height: auto; margin: 10px 0; display: block; }
.content blockquote { border-left: 3px solid #ddd; padding-left: 15px; margin: 10px 0; color: #666; font-size: 0.95em; }
.subjects li { margin: 4px 0; }
.footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }
.footer a { color: #7f8c8d; text-decoration: underline; margin: 0 8px; }
.footer a:first-child { margin-left: 0; }
a { color: #2c7be5; text-decoration: none; }
a:hover { text-decoration: underline; }
@media (prefers-color-scheme: dark) {
body { background: #1a1a1a; color: #e0e0e0; }
.author, a { color: #6ea8fe; }
.timestamp, .forum, .footer, .footer a { color: #a0a0a0; }
.post { border-bottom-color: #444; }
.footer { border-top-color: #444; }
.content blockquote { border-left-color: #444; color: #b0b0b0; }
}
</style>
`

func writeHead(b *strings.Builder) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString(styleSheet)
	b.WriteString("</head>\n<body>\n")
}

func (s *Sender) discussionURL(d *notifier.Discussion) string {
	return fmt.Sprintf("%s/discussions/%d", s.baseURL, d.ID)
}

func (s *Sender) postURL(p *notifier.Post) string {
	return fmt.Sprintf("%s/discussions/%d#post-%d", s.baseURL, p.DiscussionID, p.ID)
}

func (s *Sender) forumURL(f *notifier.Forum) string {
	return fmt.Sprintf("%s/forums/%d", s.baseURL, f.ID)
}

func (s *Sender) writePost(b *strings.Builder, p *notifier.Post) {
	b.WriteString("<div class=\"post\">\n<div class=\"meta\">\n")
	fmt.Fprintf(b, "<a href=\"%s\"><strong>%s</strong></a><br>\n", escapeHTML(s.postURL(p)), escapeHTML(p.Subject))
	fmt.Fprintf(b, "<span class=\"author\">%s</span>\n", escapeHTML(p.AuthorName))
	if !p.Created.IsZero() {
		fmt.Fprintf(b, "<span class=\"timestamp\"> &bull; %s UTC</span>\n", p.Created.UTC().Format("Jan 2, 2006 at 3:04 PM"))
	}
	b.WriteString("</div>\n<div class=\"content\">\n")
	b.WriteString(sanitizeHTML(p.Message))
	b.WriteString("\n</div>\n</div>\n")
}

func (s *Sender) formatPostBody(item *notifier.NotificationItem) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString("<div class=\"header\">\n")
	fmt.Fprintf(&b, "<div class=\"forum\"><a href=\"%s\">%s</a></div>\n", escapeHTML(s.forumURL(item.Forum)), escapeHTML(item.Forum.Name))
	fmt.Fprintf(&b, "<h2>%s</h2>\n", escapeHTML(item.Discussion.Name))
	b.WriteString("</div>\n")

	s.writePost(&b, item.Post)

	b.WriteString("<div class=\"footer\">\n")
	fmt.Fprintf(&b, "<a href=\"%s\">Reply</a>\n", escapeHTML(s.postURL(item.Post)))
	fmt.Fprintf(&b, "<a href=\"%s\">View discussion</a>\n", escapeHTML(s.discussionURL(item.Discussion)))
	fmt.Fprintf(&b, "<a href=\"%s/subscription\">Manage subscription</a>\n", escapeHTML(s.forumURL(item.Forum)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

func (s *Sender) formatDigestBody(user *notifier.UserRecord, d *notifier.Digest, now time.Time) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString("<div class=\"header\">\n")
	fmt.Fprintf(&b, "<h2>%s forum digest</h2>\n", escapeHTML(s.siteName))
	fmt.Fprintf(&b, "<div class=\"timestamp\">%s &bull; %d new posts for %s</div>\n",
		now.Format("Monday, Jan 2, 2006"), d.PostCount(), escapeHTML(user.FullName))
	b.WriteString("</div>\n")

	for _, dd := range d.Discussions {
		b.WriteString("<div class=\"discussion\">\n")
		fmt.Fprintf(&b, "<div class=\"forum\"><a href=\"%s\">%s</a></div>\n", escapeHTML(s.forumURL(dd.Forum)), escapeHTML(dd.Forum.Name))
		fmt.Fprintf(&b, "<h3><a href=\"%s\">%s</a></h3>\n", escapeHTML(s.discussionURL(dd.Discussion)), escapeHTML(dd.Discussion.Name))

		if dd.Mode == notifier.DigestSubjects {
			b.WriteString("<ul class=\"subjects\">\n")
			for _, p := range dd.Posts {
				fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a> <span class=\"author\">%s</span></li>\n",
					escapeHTML(s.postURL(p)), escapeHTML(p.Subject), escapeHTML(p.AuthorName))
			}
			b.WriteString("</ul>\n")
		} else {
			for _, p := range dd.Posts {
				s.writePost(&b, p)
			}
		}
		b.WriteString("</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	fmt.Fprintf(&b, "<a href=\"%s/preferences/digest\">Digest preferences</a>\n", escapeHTML(s.baseURL))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}
