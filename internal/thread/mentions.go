package thread

import (
	"regexp"
	"strings"
	"unicode"

	"cutline/api/internal/store"
)

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// ExtractMentions resolves @name tokens in content against members and
// returns the matched member ids, de-duplicated in first-seen order. A token
// matches a member whose display name equals it exactly, or whose display
// name with whitespace removed does. Unmatched tokens are dropped.
func ExtractMentions(content string, members []store.TeamMember) []string {
	byName := make(map[string]string, len(members)*2)
	for _, member := range members {
		if _, taken := byName[member.DisplayName]; !taken {
			byName[member.DisplayName] = member.ID
		}
		handle := Handle(member.DisplayName)
		if _, taken := byName[handle]; !taken && handle != "" {
			byName[handle] = member.ID
		}
	}

	ids := make([]string, 0)
	seen := map[string]struct{}{}
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		id, ok := byName[match[1]]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Handle is the @-mentionable form of a display name.
func Handle(displayName string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, displayName)
}
