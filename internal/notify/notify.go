package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	texttemplate "text/template"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/TobiSchelling/autopress/internal/database"
)

const previewRunes = 800

const htmlBody = `<!DOCTYPE html>
<html>
<body style="font-family:Arial,Helvetica,sans-serif;color:#222;max-width:640px;margin:0 auto;">
  <h1 style="font-size:22px;">New AI draft awaiting approval</h1>
  <h2 style="font-size:18px;">{{.Post.Title}}</h2>
  <table style="font-size:14px;margin-bottom:16px;">
    <tr><td><strong>Category</strong></td><td>{{.Post.Category}}</td></tr>
    <tr><td><strong>Quality score</strong></td><td>{{.Post.QualityScore}}/100</td></tr>
    {{- if .Post.Keywords}}
    <tr><td><strong>Keywords</strong></td><td>{{join .Post.Keywords ", "}}</td></tr>
    {{- end}}
  </table>
  {{- if .Post.Excerpt}}
  <p><em>{{.Post.Excerpt}}</em></p>
  {{- end}}
  {{- if .Post.MetaDescription}}
  <p style="color:#555;"><strong>Meta description:</strong> {{.Post.MetaDescription}}</p>
  {{- end}}
  <div style="border-left:3px solid #ddd;padding-left:12px;margin:16px 0;">{{.Preview}}</div>
  <p>
    <a href="{{.ApproveURL}}" style="display:inline-block;padding:10px 20px;margin:5px;text-decoration:none;border-radius:5px;background-color:#1a7f37;color:#fff;">Approve &amp; publish</a>
    <a href="{{.EditURL}}" style="display:inline-block;padding:10px 20px;margin:5px;text-decoration:none;border-radius:5px;background-color:#007bff;color:#fff;">Edit draft</a>
  </p>
  <p style="font-size:12px;color:#777;">The approval link is valid for 24 hours and can be used once.</p>
</body>
</html>
`

const textBody = `New AI draft awaiting approval

Title: {{.Post.Title}}
Category: {{.Post.Category}}
Quality score: {{.Post.QualityScore}}/100
{{- if .Post.Keywords}}
Keywords: {{join .Post.Keywords ", "}}
{{- end}}
{{- if .Post.Excerpt}}

{{.Post.Excerpt}}
{{- end}}
{{- if .Post.MetaDescription}}

Meta description: {{.Post.MetaDescription}}
{{- end}}

Approve and publish: {{.ApproveURL}}
Edit draft: {{.EditURL}}

The approval link is valid for 24 hours and can be used once.
`

var (
	funcs    = map[string]any{"join": strings.Join}
	htmlTmpl = template.Must(template.New("approval.html").Funcs(funcs).Parse(htmlBody))
	textTmpl = texttemplate.Must(texttemplate.New("approval.txt").Funcs(funcs).Parse(textBody))
)

type emailData struct {
	Post       *database.Post
	Preview    template.HTML
	ApproveURL string
	EditURL    string
}

// Dispatcher composes and sends approval request emails.
type Dispatcher struct {
	transport Transport
	from      string
	baseURL   string
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher. from is a full address such as
// "Autopress <noreply@example.com>".
func NewDispatcher(transport Transport, from, baseURL string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		from:      from,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger.Named("notify"),
	}
}

// FormatFrom builds a From header value.
func FormatFrom(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

// ApproveURL is the one-click approval link for a post.
func ApproveURL(baseURL, postID, token string) string {
	q := url.Values{}
	q.Set("postId", postID)
	q.Set("token", token)
	return strings.TrimRight(baseURL, "/") + "/api/approve?" + q.Encode()
}

// EditURL is the admin edit page for a post.
func EditURL(baseURL, postID string) string {
	return strings.TrimRight(baseURL, "/") + "/admin/posts/" + url.PathEscape(postID) + "/edit"
}

// SendApprovalRequest emails an approval request for post to the given
// address. Failures are logged and reported as false; they never propagate.
func (d *Dispatcher) SendApprovalRequest(ctx context.Context, post *database.Post, token, to string) bool {
	log := d.logger.With(zap.String("post_id", post.ID), zap.String("to", to))

	msg, err := d.compose(post, token, to)
	if err != nil {
		log.Error("composing approval email", zap.Error(err))
		return false
	}
	if err := d.transport.Send(ctx, msg); err != nil {
		log.Error("sending approval email", zap.Error(err))
		return false
	}
	log.Info("approval email sent")
	return true
}

func (d *Dispatcher) compose(post *database.Post, token, to string) (Message, error) {
	preview, err := renderPreview(post.Content)
	if err != nil {
		return Message{}, fmt.Errorf("rendering preview: %w", err)
	}
	data := emailData{
		Post:       post,
		Preview:    preview,
		ApproveURL: ApproveURL(d.baseURL, post.ID, token),
		EditURL:    EditURL(d.baseURL, post.ID),
	}

	var html, text bytes.Buffer
	if err := htmlTmpl.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("executing html template: %w", err)
	}
	if err := textTmpl.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("executing text template: %w", err)
	}

	return Message{
		To:      to,
		From:    d.from,
		Subject: "Approval needed: " + post.Title,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

// renderPreview renders the start of a markdown body to HTML. Raw HTML in
// the source is dropped by goldmark's default renderer.
func renderPreview(content string) (template.HTML, error) {
	r := []rune(strings.TrimSpace(content))
	if len(r) > previewRunes {
		cut := string(r[:previewRunes])
		if i := strings.LastIndexAny(cut, "\n "); i > previewRunes/2 {
			cut = cut[:i]
		}
		content = cut + " …"
	} else {
		content = string(r)
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(content), &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}
