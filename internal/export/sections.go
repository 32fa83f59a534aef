package export

import (
	"encoding/json"
	"fmt"
	"html/template"
	"strings"

	"cutline/api/internal/stage"
)

const emptySection = `<p class="empty">No content yet.</p>`

// SectionHTML renders one sub-stage's content according to its kind.
func SectionHTML(kind stage.Kind, raw json.RawMessage) template.HTML {
	if stage.IsEmpty(raw) {
		return template.HTML(emptySection)
	}
	if stage.IsList(kind) {
		items, err := stage.ListItems(kind, raw)
		if err != nil {
			return rawSection(raw)
		}
		return checklistHTML(items)
	}

	switch kind {
	case stage.KindConcept:
		var c stage.ConceptContent
		if json.Unmarshal(raw, &c) != nil {
			return rawSection(raw)
		}
		return textHTML(kind, c.Concept)
	case stage.KindScript:
		var c stage.ScriptContent
		if json.Unmarshal(raw, &c) != nil {
			return rawSection(raw)
		}
		return textHTML(kind, c.Script)
	case stage.KindNotes:
		var c stage.NotesContent
		if json.Unmarshal(raw, &c) != nil {
			return rawSection(raw)
		}
		return textHTML(kind, c.Notes)
	case stage.KindResearch:
		var c stage.ResearchContent
		if json.Unmarshal(raw, &c) != nil {
			return rawSection(raw)
		}
		return linksHTML(c.Links)
	case stage.KindStoryboard:
		var c stage.StoryboardContent
		if json.Unmarshal(raw, &c) != nil {
			return rawSection(raw)
		}
		return storyboardHTML(c.Storyboard)
	case stage.KindPublishing:
		var c stage.PublishingContent
		if json.Unmarshal(raw, &c) != nil {
			return rawSection(raw)
		}
		return publishingHTML(c)
	default:
		return rawSection(raw)
	}
}

// textHTML renders a long-form text slot: markdown kinds through goldmark,
// everything else as escaped paragraphs.
func textHTML(kind stage.Kind, source string) template.HTML {
	if strings.TrimSpace(source) == "" {
		return template.HTML(emptySection)
	}
	if stage.IsMarkdown(kind) {
		return RenderMarkdown(source)
	}
	var b strings.Builder
	for _, para := range strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(esc(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return template.HTML(b.String())
}

func checklistHTML(items []stage.ListItem) template.HTML {
	if len(items) == 0 {
		return template.HTML(emptySection)
	}
	var b strings.Builder
	b.WriteString(`<ul class="checklist">`)
	for _, item := range items {
		mark := "☐"
		if item.Completed {
			mark = "☑"
		}
		fmt.Fprintf(&b, `<li>%s %s</li>`, mark, esc(item.Text))
	}
	b.WriteString(`</ul>`)
	return template.HTML(b.String())
}

func linksHTML(links []stage.ResearchLink) template.HTML {
	if len(links) == 0 {
		return template.HTML(emptySection)
	}
	var b strings.Builder
	b.WriteString(`<ul class="links">`)
	for _, link := range links {
		fmt.Fprintf(&b, `<li><a href="%s">%s</a>`, esc(link.URL), esc(link.URL))
		if link.Note != "" {
			fmt.Fprintf(&b, ` - %s`, esc(link.Note))
		}
		b.WriteString(`</li>`)
	}
	b.WriteString(`</ul>`)
	return template.HTML(b.String())
}

func storyboardHTML(frames []stage.StoryboardFrame) template.HTML {
	if len(frames) == 0 {
		return template.HTML(emptySection)
	}
	var b strings.Builder
	b.WriteString(`<table class="storyboard"><thead><tr><th>#</th><th>Scene</th><th>Description</th><th>Shot</th><th>Duration</th></tr></thead><tbody>`)
	for i, frame := range frames {
		fmt.Fprintf(&b, `<tr><td>%d</td><td>%s</td><td>%s</td><td>%s</td><td>%ds</td></tr>`,
			i+1, esc(frame.Scene), esc(frame.Description), esc(frame.ShotType), frame.DurationSeconds)
	}
	b.WriteString(`</tbody></table>`)
	return template.HTML(b.String())
}

func publishingHTML(c stage.PublishingContent) template.HTML {
	var b strings.Builder
	b.WriteString(`<dl class="publishing">`)
	fmt.Fprintf(&b, `<dt>Title</dt><dd>%s</dd>`, esc(c.Title))
	if c.Visibility != "" {
		fmt.Fprintf(&b, `<dt>Visibility</dt><dd>%s</dd>`, esc(c.Visibility))
	}
	if c.ScheduledAt != nil {
		fmt.Fprintf(&b, `<dt>Scheduled</dt><dd>%s</dd>`, c.ScheduledAt.UTC().Format("Jan 2, 2006 15:04 MST"))
	}
	if len(c.Tags) > 0 {
		fmt.Fprintf(&b, `<dt>Tags</dt><dd>%s</dd>`, esc(strings.Join(c.Tags, ", ")))
	}
	b.WriteString(`</dl>`)
	if strings.TrimSpace(c.Description) != "" {
		b.WriteString(string(RenderMarkdown(c.Description)))
	}
	return template.HTML(b.String())
}

func rawSection(raw json.RawMessage) template.HTML {
	var pretty any
	out := string(raw)
	if json.Unmarshal(raw, &pretty) == nil {
		if indented, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			out = string(indented)
		}
	}
	return template.HTML(`<pre class="raw">` + esc(out) + `</pre>`)
}

func esc(s string) string {
	return template.HTMLEscapeString(s)
}
