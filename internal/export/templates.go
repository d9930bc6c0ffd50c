package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var snapshotTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"title": func(s string) string {
			if s == "" {
				return s
			}
			return strings.ToUpper(s[:1]) + s[1:]
		},
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}
	snapshotTemplate = template.Must(template.New("snapshot").Funcs(funcMap).Parse(snapshotTemplateHTML))
}

// RenderSnapshotHTML renders one plan version to a printable HTML page
func RenderSnapshotHTML(snap Snapshot) (string, error) {
	var buf bytes.Buffer
	if err := snapshotTemplate.Execute(&buf, snap); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const snapshotTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}} v{{.Version}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #1a1a1a; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; border-bottom: 1px solid #ccc; padding-bottom: 0.25rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .item { padding: 0.5rem 0.75rem; margin: 0.5rem 0; background: #f7f7f7; border-left: 3px solid #333; }
    .item-id { color: #888; font-size: 0.8em; }
    .scalar { white-space: pre-wrap; }
    .empty { color: #999; font-style: italic; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">
    Version {{.Version}} ({{.View}} view)
    | Client {{.ClientID}}
    | {{.CreatedBy}}
    | {{formatDate .CreatedAt "Jan 2, 2006 15:04"}}
  </div>
  {{range .Sections}}
  <h2>{{title .Name}}</h2>
  {{if .Text}}<div class="scalar">{{.Text}}</div>{{else if .Items}}
    {{range .Items}}<div class="item"><span class="item-id">{{.ID}}</span><div>{{.Detail}}</div></div>{{end}}
  {{else}}<div class="empty">No entries.</div>{{end}}
  {{end}}
</body>
</html>`
