package crawler

import "strings"

// TagGroups maps a tag group (artist, character, general, ...) to its tags.
type TagGroups map[string][]string

// Count returns the number of tags across all groups.
func (g TagGroups) Count() int {
	n := 0
	for _, tags := range g {
		n += len(tags)
	}
	return n
}

// TagCollector builds TagGroups where each tag belongs to the first group it
// was seen in.
type TagCollector struct {
	groups TagGroups
	seen   map[string]struct{}
}

// NewTagCollector returns an empty collector.
func NewTagCollector() *TagCollector {
	return &TagCollector{groups: TagGroups{}, seen: map[string]struct{}{}}
}

// Add records tag under group unless it is empty or already present.
// It reports whether the tag was added.
func (c *TagCollector) Add(group, tag string) bool {
	if tag == "" {
		return false
	}
	if _, dup := c.seen[tag]; dup {
		return false
	}
	c.seen[tag] = struct{}{}
	c.groups[group] = append(c.groups[group], tag)
	return true
}

// Len returns the number of distinct tags added.
func (c *TagCollector) Len() int { return len(c.seen) }

// Groups returns the collected groups.
func (c *TagCollector) Groups() TagGroups { return c.groups }

// NormalizeTag applies the board-agnostic cleanup: commas dropped, spaces
// turned into underscores, surrounding underscores trimmed.
func NormalizeTag(raw string) string {
	tag := strings.ReplaceAll(raw, ",", "")
	tag = strings.ReplaceAll(strings.TrimSpace(tag), " ", "_")
	return strings.Trim(tag, "_")
}
