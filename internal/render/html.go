package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/html"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

const htmlMediaType = "text/html"

// HTMLRenderer renders stages as minified HTML fragments.
type HTMLRenderer struct {
	tmpl     *template.Template
	minifier *minify.M
	logger   *zap.SugaredLogger
}

func NewHTMLRenderer(logger *zap.SugaredLogger) (*HTMLRenderer, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	tmpl, err := template.ParseFS(templateFS, "templates/stage.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse stage template: %w", err)
	}

	m := minify.New()
	m.AddFunc(htmlMediaType, html.Minify)

	return &HTMLRenderer{tmpl: tmpl, minifier: m, logger: logger}, nil
}

// Render writes stage to w. Minification failures fall back to the raw markup.
func (r *HTMLRenderer) Render(w io.Writer, stage Stage) error {
	var raw bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&raw, "stage.html", stage); err != nil {
		return fmt.Errorf("failed to render stage: %w", err)
	}

	out, err := r.minifier.Bytes(htmlMediaType, raw.Bytes())
	if err != nil {
		r.logger.Warnw("Stage minification failed, using original", "session_id", stage.SessionID, "error", err)
		out = raw.Bytes()
	}

	_, err = w.Write(out)
	return err
}
