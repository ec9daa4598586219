// ABOUTME: Renders finalized assistant messages into shareable HTML artifacts.
// ABOUTME: Also strips markdown to plain text for previews and terminal display.

package document

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// Artifact is a rendered document ready to be saved and registered.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Sink persists artifacts and returns a URL or path they can be fetched from.
type Sink interface {
	Save(ctx context.Context, artifact Artifact) (string, error)
}

// pageTemplate wraps rendered markdown in a minimal standalone page.
var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.6; }
pre { background: #f4f4f4; padding: 1rem; overflow-x: auto; }
code { background: #f4f4f4; padding: 0.1rem 0.3rem; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// RenderHTML converts markdown content into a standalone HTML artifact.
// The filename is derived from the title with a timestamp so repeated
// exports of the same conversation do not collide.
func RenderHTML(title, markdown string) (Artifact, error) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &body); err != nil {
		return Artifact{}, fmt.Errorf("converting markdown: %w", err)
	}

	var page bytes.Buffer
	data := struct {
		Title string
		Body  template.HTML
	}{
		Title: title,
		Body:  template.HTML(body.String()),
	}
	if err := pageTemplate.Execute(&page, data); err != nil {
		return Artifact{}, fmt.Errorf("rendering page: %w", err)
	}

	return Artifact{
		Filename:    artifactFilename(title),
		ContentType: "text/html; charset=utf-8",
		Data:        page.Bytes(),
	}, nil
}

// artifactFilename produces a filesystem-safe filename from a title.
func artifactFilename(title string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ', r == '-', r == '_':
			return '-'
		default:
			return -1
		}
	}, title)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "document"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return fmt.Sprintf("%s-%s.html", slug, time.Now().Format("20060102-150405"))
}

// StripMarkdown extracts the plain text of a markdown document, dropping
// formatting constructs. Block boundaries become newlines.
func StripMarkdown(markdown string) string {
	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(src))

	var out strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if _, block := n.(*ast.Paragraph); block && out.Len() > 0 {
				out.WriteString("\n")
			}
			if _, heading := n.(*ast.Heading); heading && out.Len() > 0 {
				out.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			out.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				out.WriteString("\n")
			}
		case *ast.CodeSpan:
			// Children are text nodes, handled above.
		case *ast.FencedCodeBlock:
			for i := 0; i < node.Lines().Len(); i++ {
				line := node.Lines().At(i)
				out.Write(line.Value(src))
			}
			out.WriteString("\n")
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			out.Write(node.URL(src))
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(out.String())
}

// DirSink saves artifacts into a local directory, creating it on first use.
type DirSink struct {
	Dir string
}

// Save writes the artifact and returns its absolute path.
func (s DirSink) Save(ctx context.Context, artifact Artifact) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}
	path := filepath.Join(s.Dir, artifact.Filename)
	if err := os.WriteFile(path, artifact.Data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}
