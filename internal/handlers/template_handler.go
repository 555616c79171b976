package handlers

import (
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"fleetvisor/internal/models"
	"fleetvisor/internal/service"

	"go.uber.org/zap"
)

const dashboardLogLines = 20

type PageData struct {
	Title           string
	Report          models.HealthReport
	Logs            []models.LogLine
	RefreshInterval int
}

// TemplateHandler renders the read-only status page.
type TemplateHandler struct {
	templates *template.Template
	svc       *service.Supervisor
	logger    *zap.Logger
}

func NewTemplateHandler(templatesFS fs.FS, svc *service.Supervisor, logger *zap.Logger) (*TemplateHandler, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"bytes": service.FormatBytes,
		"clock": func(t *time.Time) string {
			if t == nil {
				return ""
			}
			return t.Format("15:04:05")
		},
	}).ParseFS(templatesFS, "*.html")
	if err != nil {
		return nil, err
	}

	return &TemplateHandler{
		templates: tmpl,
		svc:       svc,
		logger:    logger.Named("http"),
	}, nil
}

func (th *TemplateHandler) buildPageData() PageData {
	logs, _ := th.svc.Logs("", dashboardLogLines)
	return PageData{
		Title:           "fleetvisor",
		Report:          th.svc.Status(),
		Logs:            logs,
		RefreshInterval: 5,
	}
}

func (th *TemplateHandler) ServeTemplate(templateName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := th.buildPageData()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := th.templates.ExecuteTemplate(w, templateName+".html", data); err != nil {
			th.logger.Error("failed to render template", zap.String("template", templateName), zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}
