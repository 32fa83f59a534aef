package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var briefTemplate = template.Must(template.New("brief.html").Funcs(template.FuncMap{
	"formatDate": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("Jan 2, 2006")
	},
}).ParseFS(templateFS, "templates/brief.html"))

// Brief is everything printed in a project export.
type Brief struct {
	ProjectName string
	Description template.HTML
	Status      string
	TeamName    string
	StartDate   *time.Time
	EndDate     *time.Time
	GeneratedAt time.Time
	Stages      []BriefStage
	OpenTasks   []BriefTask
}

type BriefStage struct {
	Name      string
	Completed bool
	Sections  []BriefSection
}

type BriefSection struct {
	Name    string
	Kind    string
	Starred bool
	HTML    template.HTML
}

type BriefTask struct {
	Title    string
	Stage    string
	Assignee string
	DueDate  *time.Time
}

func RenderBriefHTML(brief Brief) (string, error) {
	var buf bytes.Buffer
	if err := briefTemplate.Execute(&buf, brief); err != nil {
		return "", err
	}
	return buf.String(), nil
}
