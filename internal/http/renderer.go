package httpx

import (
	"bytes"
	"errors"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	corefuncs "github.com/santeplus/medportal/internal/http/templates/core"
)

// TemplateRenderer renders HTML templates for UI responses.
type TemplateRenderer struct {
	t      *template.Template
	logger *slog.Logger
}

// TemplateRendererConfig holds configuration for creating a TemplateRenderer.
type TemplateRendererConfig struct {
	TemplateFS fs.FS        // Filesystem containing templates (required)
	Logger     *slog.Logger // Logger for template errors (optional)
}

// NewTemplateRenderer parses "*.tmpl" and "pages/*.tmpl" from cfg.TemplateFS.
// Every page named p defines "p-content"; the top-level files define
// "layout", "content" and "error-layout".
func NewTemplateRenderer(cfg TemplateRendererConfig) (*TemplateRenderer, error) {
	if cfg.TemplateFS == nil {
		return nil, errors.New("TemplateFS is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	renderer := &TemplateRenderer{logger: logger}
	var t *template.Template
	funcs := corefuncs.Funcs(corefuncs.Deps{
		Template:           &t,
		ContentTemplateFor: ContentTemplateFor,
	})
	t, err := template.New("root").Funcs(funcs).ParseFS(cfg.TemplateFS, "*.tmpl", "pages/*.tmpl")
	if err != nil {
		logger.Error("template parsing failed",
			slog.Any("error", err),
			slog.String("phase", "initialization"),
		)
		return nil, err
	}
	renderer.t = t
	return renderer, nil
}

// ContentTemplateFor returns the name of the content block of page.
func ContentTemplateFor(page string) string { return page + "-content" }

// RenderFull renders the full page (layout + page content).
func (r *TemplateRenderer) RenderFull(w http.ResponseWriter, status int, data any) error {
	return r.renderTemplate(w, "layout", status, data)
}

// RenderPartial renders only the main content area.
func (r *TemplateRenderer) RenderPartial(w http.ResponseWriter, status int, data any) error {
	return r.renderTemplate(w, "content", status, data)
}

// RenderError renders the standalone error page.
func (r *TemplateRenderer) RenderError(w http.ResponseWriter, status int, data any) error {
	return r.renderTemplate(w, "error-layout", status, data)
}

// renderTemplate buffers the output so a failing template never leaves a
// half-written response.
func (r *TemplateRenderer) renderTemplate(w http.ResponseWriter, templateName string, status int, data any) error {
	var buf bytes.Buffer
	if err := r.t.ExecuteTemplate(&buf, templateName, data); err != nil {
		r.logger.Error("template execution failed",
			slog.String("template", templateName),
			slog.Any("error", err),
		)
		return err
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
	}
	if _, err := buf.WriteTo(w); err != nil {
		r.logger.Error("failed to write rendered template",
			slog.String("template", templateName),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}
