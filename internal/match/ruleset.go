package match

import (
	"regexp"

	"github.com/nextlevelbuilder/namewatch/internal/normalize"
)

// TrackedName is a single trigger phrase with its reaction emoji.
// An empty emoji falls back to the global default at action time.
type TrackedName struct {
	Name  string `json:"name"`
	Emoji string `json:"emoji,omitempty"`
}

// NameList is a labeled, ordered group of tracked names sharing one
// action policy. Lists are matched before flat tracked names.
type NameList struct {
	ID           string        `json:"id"`
	Label        string        `json:"label,omitempty"`
	Emoji        string        `json:"emoji,omitempty"`
	TargetChatID string        `json:"target_chat_id,omitempty"`
	Forward      bool          `json:"forward,omitempty"`
	Names        []TrackedName `json:"names"`
}

// Kind tags the two match variants.
type Kind int

const (
	// KindList is a hit on a name-list item.
	KindList Kind = iota
	// KindName is a hit on a flat tracked name.
	KindName
)

// ListRule is a compiled name-list.
type ListRule struct {
	ID           string
	Label        string
	Emoji        string
	TargetChatID string
	Forward      bool
	Items        []ItemRule
}

// ItemRule is one compiled item within a list. Key is the normalized
// name and identifies the item in persisted hit counters.
type ItemRule struct {
	Name  string
	Emoji string
	Key   string
	rx    *regexp.Regexp
}

// NameRule is one compiled flat tracked name.
type NameRule struct {
	Name  string
	Emoji string
	rx    *regexp.Regexp
}

// Match reports which rule fired. Exactly the fields of its kind are
// set: List+Item for KindList, Name for KindName.
type Match struct {
	Kind Kind
	List *ListRule
	Item *ItemRule
	Name *NameRule
}

// Emoji resolves the reaction emoji for the match, falling back to the
// global default when the matched entity does not carry its own.
func (m Match) Emoji(fallback string) string {
	switch m.Kind {
	case KindList:
		if m.Item.Emoji != "" {
			return m.Item.Emoji
		}
		if m.List.Emoji != "" {
			return m.List.Emoji
		}
	case KindName:
		if m.Name.Emoji != "" {
			return m.Name.Emoji
		}
	}
	return fallback
}

// Label names the matched entity for logging.
func (m Match) Label() string {
	if m.Kind == KindList {
		return m.List.Label + "/" + m.Item.Name
	}
	return m.Name.Name
}

// RuleSet holds the compiled patterns in configured priority order.
// A RuleSet is immutable after construction; rebuild it whenever the
// raw names or the normalization setting change.
type RuleSet struct {
	lists  []ListRule
	names  []NameRule
	arabic bool
}

// NewRuleSet compiles flat names and name-lists. Entries whose names
// produce no usable pattern are dropped; compare Size against the input
// to detect that.
func NewRuleSet(names []TrackedName, lists []NameList, arabic bool) *RuleSet {
	rs := &RuleSet{arabic: arabic}

	for _, l := range lists {
		rule := ListRule{
			ID:           l.ID,
			Label:        l.Label,
			Emoji:        l.Emoji,
			TargetChatID: l.TargetChatID,
			Forward:      l.Forward,
		}
		for _, item := range l.Names {
			key := normalize.Fold(item.Name, arabic)
			rx, ok := CompilePattern(key)
			if !ok {
				continue
			}
			rule.Items = append(rule.Items, ItemRule{
				Name:  item.Name,
				Emoji: item.Emoji,
				Key:   key,
				rx:    rx,
			})
		}
		if len(rule.Items) > 0 {
			rs.lists = append(rs.lists, rule)
		}
	}

	for _, n := range names {
		rx, ok := CompilePattern(normalize.Fold(n.Name, arabic))
		if !ok {
			continue
		}
		rs.names = append(rs.names, NameRule{Name: n.Name, Emoji: n.Emoji, rx: rx})
	}

	return rs
}

// Size returns the number of compiled list items and flat names.
func (rs *RuleSet) Size() (listItems, flatNames int) {
	for _, l := range rs.lists {
		listItems += len(l.Items)
	}
	return listItems, len(rs.names)
}

// Empty reports whether no pattern survived compilation.
func (rs *RuleSet) Empty() bool {
	return len(rs.lists) == 0 && len(rs.names) == 0
}

// FindMatch runs normalized text through the rule set: lists in
// configured order, items in list order, then flat names. The first
// pattern that matches wins; no scoring. The text must already be the
// normalizer's output, never raw message text.
func (rs *RuleSet) FindMatch(normText string) (Match, bool) {
	if normText == "" {
		return Match{}, false
	}

	for i := range rs.lists {
		l := &rs.lists[i]
		for j := range l.Items {
			if l.Items[j].rx.MatchString(normText) {
				return Match{Kind: KindList, List: l, Item: &l.Items[j]}, true
			}
		}
	}

	for i := range rs.names {
		if rs.names[i].rx.MatchString(normText) {
			return Match{Kind: KindName, Name: &rs.names[i]}, true
		}
	}

	return Match{}, false
}
