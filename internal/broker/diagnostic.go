package broker

import (
	"bytes"
	"context"
	"html/template"
	"io"
	"time"
)

// Diagnostics puts a static page on a display while its session is in Error.
type Diagnostics interface {
	Render(ctx context.Context, display string, html []byte) (io.Closer, error)
}

var diagnosticTmpl = template.Must(template.New("diagnostic").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Console unavailable</title>
<style>
body { margin: 0; height: 100vh; display: flex; align-items: center; justify-content: center;
       background: #1d2127; color: #e6e6e6; font-family: sans-serif; }
main { max-width: 40em; padding: 2em; border-left: 4px solid #d9534f; background: #262b33; }
h1 { margin-top: 0; font-size: 1.4em; }
code { color: #f0ad4e; }
dl { display: grid; grid-template-columns: max-content auto; gap: .3em 1em; color: #9aa3ad; }
</style>
</head>
<body>
<main>
<h1>Console unavailable</h1>
<p>{{.Message}}</p>
<dl>
<dt>Reason</dt><dd><code>{{.Code}}</code></dd>
<dt>Category</dt><dd>{{.Category}}</dd>
<dt>Display</dt><dd>{{.Display}}</dd>
{{- if .SessionID}}
<dt>Session</dt><dd>{{.SessionID}}</dd>
{{- end}}
<dt>Time</dt><dd>{{.Time}}</dd>
</dl>
<p>Disconnect all viewers and reconnect to try again.</p>
</main>
</body>
</html>
`))

// RenderDiagnostic returns the diagnostic page for a session in Error, or
// nil when the status carries no error.
func RenderDiagnostic(st Status) []byte {
	if st.Error == nil {
		return nil
	}
	var buf bytes.Buffer
	_ = diagnosticTmpl.Execute(&buf, struct {
		Failure
		Display   string
		SessionID string
		Time      string
	}{
		Failure:   *st.Error,
		Display:   st.Display,
		SessionID: st.SessionID,
		Time:      st.UpdatedAt.Format(time.RFC3339),
	})
	return buf.Bytes()
}
