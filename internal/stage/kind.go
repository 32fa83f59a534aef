// Package stage defines the project pipeline template and the closed set of
// sub-stage content kinds, with strict validation and server-side patch
// operations for each kind.
package stage

import (
	"strings"
)

type Kind string

const (
	KindConcept    Kind = "concept"
	KindKeyPoints  Kind = "key_points"
	KindResearch   Kind = "research"
	KindScript     Kind = "script"
	KindStoryboard Kind = "storyboard"
	KindShotList   Kind = "shot_list"
	KindEquipment  Kind = "equipment"
	KindNotes      Kind = "notes"
	KindPublishing Kind = "publishing"
	KindCustom     Kind = "custom"
)

var knownKinds = map[Kind]struct{}{
	KindConcept:    {},
	KindKeyPoints:  {},
	KindResearch:   {},
	KindScript:     {},
	KindStoryboard: {},
	KindShotList:   {},
	KindEquipment:  {},
	KindNotes:      {},
	KindPublishing: {},
	KindCustom:     {},
}

// listKeys maps checklist-shaped kinds to the JSON key holding their items.
var listKeys = map[Kind]string{
	KindKeyPoints: "keyPoints",
	KindShotList:  "shots",
	KindEquipment: "equipment",
}

func ParseKind(value string) (Kind, bool) {
	kind := Kind(strings.TrimSpace(value))
	_, ok := knownKinds[kind]
	return kind, ok
}

// IsList reports whether kind holds a checklist.
func IsList(kind Kind) bool {
	_, ok := listKeys[kind]
	return ok
}

// IsMarkdown reports whether kind's long-form text is authored as markdown.
func IsMarkdown(kind Kind) bool {
	return kind == KindNotes || kind == KindScript
}

type SubStageTemplate struct {
	Name string
	Kind Kind
}

type MainStageTemplate struct {
	Key       string
	Name      string
	SubStages []SubStageTemplate
}

// Pipeline is the fixed template every new project is created from.
var Pipeline = []MainStageTemplate{
	{Key: "ideation", Name: "Ideation", SubStages: []SubStageTemplate{
		{Name: "Concept", Kind: KindConcept},
		{Name: "Key Points", Kind: KindKeyPoints},
		{Name: "Research", Kind: KindResearch},
	}},
	{Key: "pre_production", Name: "Pre-Production", SubStages: []SubStageTemplate{
		{Name: "Script", Kind: KindScript},
		{Name: "Storyboard", Kind: KindStoryboard},
		{Name: "Shot List", Kind: KindShotList},
	}},
	{Key: "production", Name: "Production", SubStages: []SubStageTemplate{
		{Name: "Equipment", Kind: KindEquipment},
		{Name: "Filming Notes", Kind: KindNotes},
	}},
	{Key: "post_production", Name: "Post-Production", SubStages: []SubStageTemplate{
		{Name: "Editing Notes", Kind: KindNotes},
		{Name: "Sound Design", Kind: KindNotes},
	}},
	{Key: "publishing", Name: "Publishing", SubStages: []SubStageTemplate{
		{Name: "Metadata", Kind: KindPublishing},
		{Name: "Promotion", Kind: KindNotes},
	}},
}

// NormalizeStageKey accepts legacy stage identifiers such as "PRE_PRODUCTION"
// or "Post-Production" and returns the pipeline key.
func NormalizeStageKey(value string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(value))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	for _, main := range Pipeline {
		if main.Key == key {
			return key, true
		}
	}
	return "", false
}

// LegacyStageName is the upper-case identifier used by the flat
// stage-completion view.
func LegacyStageName(key string) string {
	return strings.ToUpper(key)
}
