package server

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/brojonat/txprompt/service/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

// TemplateRenderer holds parsed HTML templates
type TemplateRenderer struct {
	templates *template.Template
	logger    *slog.Logger
}

// NewTemplateRenderer creates a new template renderer from embedded files
func NewTemplateRenderer(logger *slog.Logger) (*TemplateRenderer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	return &TemplateRenderer{
		templates: tmpl,
		logger:    logger,
	}, nil
}

// Render renders a template with the given data
func (tr *TemplateRenderer) Render(w http.ResponseWriter, name string, data interface{}) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return tr.templates.ExecuteTemplate(w, name, data)
}

// sessionPage is the data for session.html.
type sessionPage struct {
	Session   session.State
	Streaming bool
}

// handleNewSessionPage starts a conversation and redirects to its page.
func handleNewSessionPage(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := sessions.Create()
		http.Redirect(w, r, "/s/"+s.ID(), http.StatusSeeOther)
	}
}

// handleSessionPage renders the prompt form and conversation log.
func handleSessionPage(renderer *TemplateRenderer, sessions *session.Manager, streaming bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessions.Get(r.PathValue("id"))
		if !ok {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		data := sessionPage{Session: s.Snapshot(), Streaming: streaming}
		if err := renderer.Render(w, "session.html", data); err != nil {
			renderer.logger.Error("failed to render template", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}
}

// handleSubmitPage runs a form submission and redirects back to the page.
// Blank input and submissions while loading leave the conversation unchanged.
func handleSubmitPage(sessions *session.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s, ok := sessions.Get(id)
		if !ok {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		if _, err := s.Submit(r.Context(), r.PostForm.Get("input")); err != nil {
			logger.Debug("form submission ignored", "session_id", id, "reason", err)
		}
		http.Redirect(w, r, "/s/"+id, http.StatusSeeOther)
	}
}
