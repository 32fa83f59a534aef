package stage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxShortText = 200
	maxItemText  = 2000
	maxLongText  = 100000
	maxItems     = 500
	maxTags      = 50
)

var (
	ErrWrongKind    = errors.New("operation does not apply to this sub-stage kind")
	ErrItemNotFound = errors.New("item not found")
)

// ValidationError lists every problem found in one payload.
type ValidationError struct {
	Kind     Kind
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s content: %s", e.Kind, strings.Join(e.Problems, "; "))
}

type ListItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type ResearchLink struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Note string `json:"note,omitempty"`
}

type StoryboardFrame struct {
	ID              string `json:"id"`
	Scene           string `json:"scene"`
	Description     string `json:"description"`
	ShotType        string `json:"shotType,omitempty"`
	DurationSeconds int    `json:"durationSeconds"`
}

type ConceptContent struct {
	Concept string `json:"concept"`
}

type ResearchContent struct {
	Links []ResearchLink `json:"links"`
}

type ScriptContent struct {
	Script string `json:"script"`
}

type StoryboardContent struct {
	Storyboard []StoryboardFrame `json:"storyboard"`
}

type NotesContent struct {
	Notes string `json:"notes"`
}

type PublishingContent struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Tags        []string   `json:"tags"`
	Visibility  string     `json:"visibility,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

var visibilities = map[string]struct{}{
	"":         {},
	"public":   {},
	"unlisted": {},
	"private":  {},
}

// Validate checks raw against kind's payload type. Null and empty input are
// always valid. Unknown fields are rejected for every kind except custom,
// which accepts any JSON object.
func Validate(kind Kind, raw json.RawMessage) error {
	if IsEmpty(raw) {
		return nil
	}
	if _, ok := knownKinds[kind]; !ok {
		return &ValidationError{Kind: kind, Problems: []string{"unknown sub-stage kind"}}
	}

	var problems []string
	switch kind {
	case KindCustom:
		var object map[string]json.RawMessage
		if err := decodeStrict(raw, &object, false); err != nil {
			return &ValidationError{Kind: kind, Problems: []string{"content must be a JSON object"}}
		}
	case KindConcept:
		var c ConceptContent
		if err := decodeStrict(raw, &c, true); err != nil {
			return decodeProblem(kind, err)
		}
		problems = checkLength(problems, "concept", c.Concept, maxLongText)
	case KindScript:
		var c ScriptContent
		if err := decodeStrict(raw, &c, true); err != nil {
			return decodeProblem(kind, err)
		}
		problems = checkLength(problems, "script", c.Script, maxLongText)
	case KindNotes:
		var c NotesContent
		if err := decodeStrict(raw, &c, true); err != nil {
			return decodeProblem(kind, err)
		}
		problems = checkLength(problems, "notes", c.Notes, maxLongText)
	case KindKeyPoints, KindShotList, KindEquipment:
		items, err := decodeList(kind, raw)
		if err != nil {
			return decodeProblem(kind, err)
		}
		problems = checkList(problems, listKeys[kind], items)
	case KindResearch:
		var c ResearchContent
		if err := decodeStrict(raw, &c, true); err != nil {
			return decodeProblem(kind, err)
		}
		problems = checkLinks(problems, c.Links)
	case KindStoryboard:
		var c StoryboardContent
		if err := decodeStrict(raw, &c, true); err != nil {
			return decodeProblem(kind, err)
		}
		problems = checkFrames(problems, c.Storyboard)
	case KindPublishing:
		var c PublishingContent
		if err := decodeStrict(raw, &c, true); err != nil {
			return decodeProblem(kind, err)
		}
		problems = checkPublishing(problems, c)
	}

	if len(problems) > 0 {
		return &ValidationError{Kind: kind, Problems: problems}
	}
	return nil
}

// ListItems decodes the checklist held by a list-shaped kind.
func ListItems(kind Kind, raw json.RawMessage) ([]ListItem, error) {
	if !IsList(kind) {
		return nil, ErrWrongKind
	}
	if IsEmpty(raw) {
		return nil, nil
	}
	return decodeList(kind, raw)
}

// IsEmpty reports whether raw represents an empty slot.
func IsEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Compact returns raw without insignificant whitespace, or nil for an empty slot.
func Compact(raw json.RawMessage) (json.RawMessage, error) {
	if IsEmpty(raw) {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

func decodeStrict(raw json.RawMessage, dst any, disallowUnknown bool) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if disallowUnknown {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func decodeList(kind Kind, raw json.RawMessage) ([]ListItem, error) {
	key := listKeys[kind]
	var fields map[string]json.RawMessage
	if err := decodeStrict(raw, &fields, false); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("content must be a JSON object")
	}
	for name := range fields {
		if name != key {
			return nil, fmt.Errorf("json: unknown field %q", name)
		}
	}
	var items []ListItem
	if value, ok := fields[key]; ok && !IsEmpty(value) {
		if err := decodeStrict(value, &items, true); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func decodeProblem(kind Kind, err error) error {
	return &ValidationError{Kind: kind, Problems: []string{err.Error()}}
}

func checkLength(problems []string, field, value string, limit int) []string {
	if utf8.RuneCountInString(value) > limit {
		problems = append(problems, fmt.Sprintf("%s exceeds %d characters", field, limit))
	}
	return problems
}

func checkIDs(problems []string, field string, ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if strings.TrimSpace(id) == "" {
			problems = append(problems, fmt.Sprintf("%s[%d].id is required", field, i))
			continue
		}
		if _, dup := seen[id]; dup {
			problems = append(problems, fmt.Sprintf("%s[%d].id %q is duplicated", field, i, id))
		}
		seen[id] = struct{}{}
	}
	return problems
}

func checkList(problems []string, field string, items []ListItem) []string {
	if len(items) > maxItems {
		problems = append(problems, fmt.Sprintf("%s holds more than %d items", field, maxItems))
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
		problems = checkLength(problems, fmt.Sprintf("%s[%d].text", field, i), item.Text, maxItemText)
	}
	return checkIDs(problems, field, ids)
}

func checkLinks(problems []string, links []ResearchLink) []string {
	if len(links) > maxItems {
		problems = append(problems, fmt.Sprintf("links holds more than %d items", maxItems))
	}
	ids := make([]string, len(links))
	for i, link := range links {
		ids[i] = link.ID
		parsed, err := url.Parse(link.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			problems = append(problems, fmt.Sprintf("links[%d].url must be an absolute http(s) URL", i))
		}
		problems = checkLength(problems, fmt.Sprintf("links[%d].note", i), link.Note, maxItemText)
	}
	return checkIDs(problems, "links", ids)
}

func checkFrames(problems []string, frames []StoryboardFrame) []string {
	if len(frames) > maxItems {
		problems = append(problems, fmt.Sprintf("storyboard holds more than %d frames", maxItems))
	}
	ids := make([]string, len(frames))
	for i, frame := range frames {
		ids[i] = frame.ID
		problems = checkFrame(problems, fmt.Sprintf("storyboard[%d]", i), frame)
	}
	return checkIDs(problems, "storyboard", ids)
}

func checkFrame(problems []string, field string, frame StoryboardFrame) []string {
	problems = checkLength(problems, field+".scene", frame.Scene, maxShortText)
	problems = checkLength(problems, field+".description", frame.Description, maxItemText)
	problems = checkLength(problems, field+".shotType", frame.ShotType, maxShortText)
	if frame.DurationSeconds < 0 {
		problems = append(problems, field+".durationSeconds must not be negative")
	}
	return problems
}

func checkPublishing(problems []string, c PublishingContent) []string {
	problems = checkLength(problems, "title", c.Title, maxShortText)
	problems = checkLength(problems, "description", c.Description, maxLongText)
	if len(c.Tags) > maxTags {
		problems = append(problems, fmt.Sprintf("tags holds more than %d entries", maxTags))
	}
	for i, tag := range c.Tags {
		if strings.TrimSpace(tag) == "" {
			problems = append(problems, fmt.Sprintf("tags[%d] is blank", i))
		}
		problems = checkLength(problems, fmt.Sprintf("tags[%d]", i), tag, maxShortText)
	}
	if _, ok := visibilities[c.Visibility]; !ok {
		problems = append(problems, "visibility must be public, unlisted or private")
	}
	return problems
}
