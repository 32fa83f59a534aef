package stage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operation is one server-side edit of a sub-stage's structured content.
type Operation interface {
	apply(kind Kind, current json.RawMessage) (json.RawMessage, error)
}

type AddItem struct {
	ID   string
	Text string
}

type ToggleItem struct {
	ItemID string
}

type UpdateItem struct {
	ItemID string
	Text   string
}

type RemoveItem struct {
	ItemID string
}

type AddFrame struct {
	Frame StoryboardFrame
}

type UpdateFrame struct {
	FrameID string
	Frame   StoryboardFrame
}

type RemoveFrame struct {
	FrameID string
}

// MoveFrame moves a frame to Index, clamped to the storyboard bounds.
type MoveFrame struct {
	FrameID string
	Index   int
}

type AddLink struct {
	Link ResearchLink
}

type RemoveLink struct {
	LinkID string
}

// Apply runs op against current and returns the validated new content.
func Apply(kind Kind, current json.RawMessage, op Operation) (json.RawMessage, error) {
	next, err := op.apply(kind, current)
	if err != nil {
		return nil, err
	}
	if err := Validate(kind, next); err != nil {
		return nil, err
	}
	return next, nil
}

func editList(kind Kind, current json.RawMessage, edit func([]ListItem) ([]ListItem, error)) (json.RawMessage, error) {
	key, ok := listKeys[kind]
	if !ok {
		return nil, ErrWrongKind
	}
	var items []ListItem
	if !IsEmpty(current) {
		var err error
		if items, err = decodeList(kind, current); err != nil {
			return nil, fmt.Errorf("decode stored %s content: %w", kind, err)
		}
	}
	items, err := edit(items)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []ListItem{}
	}
	return json.Marshal(map[string][]ListItem{key: items})
}

func findItem(items []ListItem, id string) (int, error) {
	for i, item := range items {
		if item.ID == id {
			return i, nil
		}
	}
	return -1, ErrItemNotFound
}

func (op AddItem) apply(kind Kind, current json.RawMessage) (json.RawMessage, error) {
	return editList(kind, current, func(items []ListItem) ([]ListItem, error) {
		return append(items, ListItem{ID: op.ID, Text: strings.TrimSpace(op.Text)}), nil
	})
}

func (op ToggleItem) apply(kind Kind, current json.RawMessage) (json.RawMessage, error) {
	return editList(kind, current, func(items []ListItem) ([]ListItem, error) {
		i, err := findItem(items, op.ItemID)
		if err != nil {
			return nil, err
		}
		items[i].Completed = !items[i].Completed
		return items, nil
	})
}

func (op UpdateItem) apply(kind Kind, current json.RawMessage) (json.RawMessage, error) {
	return editList(kind, current, func(items []ListItem) ([]ListItem, error) {
		i, err := findItem(items, op.ItemID)
		if err != nil {
			return nil, err
		}
		items[i].Text = strings.TrimSpace(op.Text)
		return items, nil
	})
}

func (op RemoveItem) apply(kind Kind, current json.RawMessage) (json.RawMessage, error) {
	return editList(kind, current, func(items []ListItem) ([]ListItem, error) {
		i, err := findItem(items, op.ItemID)
		if err != nil {
			return nil, err
		}
		return append(items[:i], items[i+1:]...), nil
	})
}

func editStoryboard(kind Kind, current json.RawMessage, edit func([]StoryboardFrame) ([]StoryboardFrame, error)) (json.RawMessage, error) {
	if kind != KindStoryboard {
		return nil, ErrWrongKind
	}
	var content StoryboardContent
	if !IsEmpty(current) {
		if err := decodeStrict(current, &content, true); err != nil {
			return nil, fmt.Errorf("decode stored storyboard content: %w", err)
		}
	}
	frames, err := edit(content.Storyboard)
	if err != nil {
		return nil, err
	}
	if frames == nil {
		frames = []StoryboardFrame{}
	}
	return json.Marshal(StoryboardContent{Storyboard: frames})
}

func findFrame(frames []StoryboardFrame, id string) (int, error) {
	for i, frame := range frames {
		if frame.ID == id {
			return i, nil
		}
	}
	return -1, ErrItemNotFound
}

func (op AddFrame) apply(kind Kind, current json.RawMessage) (json.RawMessage, error) {
	return editStoryboard(kind, current, func(frames []StoryboardFrame) ([]StoryboardFrame, error) {
		return append(frames, op.Frame), nil
	})
}

func (op UpdateFrame) apply(kind Kind, current json.RawMessage) (json.RawMessage, error) {
	return editStoryboard(kind, current, func(frames []StoryboardFrame) ([]StoryboardFrame, error) {
		i, err := findFrame(frames, op.FrameID)
		if err != nil {
			return nil, err
		}
		frame := op.Frame
		frame.ID = op.FrameID
		frames[i] = frame
		return frames, nil
	})
}

func (op RemoveFrame) apply(kind Kind, current json.RawMessage) (json.RawMessage, error) {
	return editStoryboard(kind, current, func(frames []StoryboardFrame) ([]StoryboardFrame, error) {
		i, err := findFrame(frames, op.FrameID)
		if err != nil {
			return nil, err
		}
		return append(frames[:i], frames[i+1:]...), nil
	})
}

func (op MoveFrame) apply(kind Kind, current json.RawMessage) (json.RawMessage, error) {
	return editStoryboard(kind, current, func(frames []StoryboardFrame) ([]StoryboardFrame, error) {
		i, err := findFrame(frames, op.FrameID)
		if err != nil {
			return nil, err
		}
		frame := frames[i]
		frames = append(frames[:i], frames[i+1:]...)
		target := min(max(op.Index, 0), len(frames))
		frames = append(frames[:target], append([]StoryboardFrame{frame}, frames[target:]...)...)
		return frames, nil
	})
}

func editResearch(kind Kind, current json.RawMessage, edit func([]ResearchLink) ([]ResearchLink, error)) (json.RawMessage, error) {
	if kind != KindResearch {
		return nil, ErrWrongKind
	}
	var content ResearchContent
	if !IsEmpty(current) {
		if err := decodeStrict(current, &content, true); err != nil {
			return nil, fmt.Errorf("decode stored research content: %w", err)
		}
	}
	links, err := edit(content.Links)
	if err != nil {
		return nil, err
	}
	if links == nil {
		links = []ResearchLink{}
	}
	return json.Marshal(ResearchContent{Links: links})
}

func (op AddLink) apply(kind Kind, current json.RawMessage) (json.RawMessage, error) {
	return editResearch(kind, current, func(links []ResearchLink) ([]ResearchLink, error) {
		link := op.Link
		link.URL = strings.TrimSpace(link.URL)
		return append(links, link), nil
	})
}

func (op RemoveLink) apply(kind Kind, current json.RawMessage) (json.RawMessage, error) {
	return editResearch(kind, current, func(links []ResearchLink) ([]ResearchLink, error) {
		for i, link := range links {
			if link.ID == op.LinkID {
				return append(links[:i], links[i+1:]...), nil
			}
		}
		return nil, ErrItemNotFound
	})
}
