package httpapi

import (
	"bytes"
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentworkforce/relayboard/internal/relayboard"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const dashboardEntityLimit = 200

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"since": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Relayboard</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      padding: 20px;
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px 16px;
    }
    h1 { margin: 0; font-size: 1.5rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }
    table { width: 100%; border-collapse: collapse; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    .pill { color: var(--accent); font-weight: 700; }
    .notes { color: var(--muted); font-size: 0.9rem; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Relayboard</h1>
      <div class="sub">
        {{.Stats.Entities}} entities, undo depth {{.Stats.UndoDepth}},
        last feed update {{since .Stats.LastFeedUpdate}}{{if .Stats.Pending}}, <span class="pill">reconcile pending</span>{{end}}
      </div>
    </div>
    <div class="card">
      <table>
        <tr><th>Channel</th><th>Name</th><th>Loaded</th><th>Messages</th></tr>
        {{range .Stats.Channels}}
        <tr><td>{{.ID}}</td><td>{{.Name}}</td><td>{{.Loaded}}</td><td>{{.Messages}}</td></tr>
        {{end}}
      </table>
    </div>
    <div class="card">
      <table>
        <tr><th>Id</th><th>Name</th><th>Channels</th></tr>
        {{range .Entities}}
        <tr>
          <td>{{.ID}}</td>
          <td>{{.Name}}{{if .Notes}}<div class="notes">{{.Notes}}</div>{{end}}</td>
          <td>{{range $i, $c := .Channels}}{{if $i}}, {{end}}{{$c}}{{end}}</td>
        </tr>
        {{end}}
      </table>
      {{if .Truncated}}<div class="sub">showing the {{len .Entities}} most recent entities</div>{{end}}
    </div>
  </div>
</body>
</html>
`))

// detailer is implemented by records that carry markdown notes.
type detailer interface {
	Details() string
}

type dashboardEntity struct {
	entityView
	Notes template.HTML
}

type dashboardData struct {
	Stats     relayboard.Stats
	Entities  []dashboardEntity
	Truncated bool
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, correlationID string) {
	var data dashboardData
	err := s.board.Do(r.Context(), func(_ context.Context, b *relayboard.Board) error {
		data.Stats = b.Stats()
		records := b.Search("")
		if len(records) > dashboardEntityLimit {
			records = records[:dashboardEntityLimit]
			data.Truncated = true
		}
		for _, rec := range records {
			entry := dashboardEntity{entityView: viewOf(b, rec)}
			if d, ok := rec.(detailer); ok && d.Details() != "" {
				entry.Notes = renderNotes(d.Details())
			}
			data.Entities = append(data.Entities, entry)
		}
		return nil
	})
	if err != nil {
		s.writeBoardError(w, err, correlationID)
		return
	}
	var buf bytes.Buffer
	if err := dashboardTemplate.Execute(&buf, data); err != nil {
		s.logger.Error("render dashboard", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to render dashboard", correlationID)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// renderNotes converts markdown to HTML. Raw HTML in the source is not
// passed through.
func renderNotes(source string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(source))
	}
	return template.HTML(buf.String())
}
