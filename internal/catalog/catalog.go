// Package catalog holds the static, ordered definition of warmup phases:
// execution order, required/optional flag, automation script, and the
// content/text categories each phase draws from the shared pools.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
)

// TextRule controls how a phase's text assignment is chosen.
type TextRule string

const (
	// TextPooled picks any active pool item matching the text category.
	TextPooled TextRule = "pooled"
	// TextUnique picks a pool item not bound to another account's
	// unfinished phase of the same category.
	TextUnique TextRule = "unique"
	// TextDerived derives the text from the account (model name),
	// inserting it into the pool if absent.
	TextDerived TextRule = "derived"
	// TextFixed uses a fixed literal, inserting it into the pool if absent.
	TextFixed TextRule = "fixed"
)

// Entry describes one phase of the warmup pipeline.
type Entry struct {
	Phase           domain.Phase `yaml:"phase"`
	Order           int          `yaml:"order"`
	Required        bool         `yaml:"required"`
	Script          string       `yaml:"script"`
	ContentCategory string       `yaml:"content_category,omitempty"`
	TextCategory    string       `yaml:"text_category,omitempty"`
	TextRule        TextRule     `yaml:"text_rule,omitempty"`
	FixedText       string       `yaml:"fixed_text,omitempty"`
}

// NeedsContent reports whether the phase requires a media assignment.
func (e Entry) NeedsContent() bool { return e.ContentCategory != "" }

// NeedsText reports whether the phase requires a text assignment.
func (e Entry) NeedsText() bool { return e.TextCategory != "" }

// Catalog is an ordered phase list for one account type.
type Catalog struct {
	Entries []Entry `yaml:"phases"`
}

// Default returns the built-in warmup pipeline. The manual setup and the two
// highlight phases do not block completion; manual_setup additionally has no
// automation script because it happens by hand before bot assignment.
func Default() Catalog {
	return Catalog{Entries: []Entry{
		{Phase: domain.PhaseManualSetup, Order: 0, Required: false},
		{Phase: domain.PhaseBio, Order: 1, Required: true, Script: "bio.lua", TextCategory: "bio", TextRule: TextPooled},
		{Phase: domain.PhaseGender, Order: 2, Required: true, Script: "gender.lua"},
		{Phase: domain.PhaseName, Order: 3, Required: true, Script: "name.lua", TextCategory: "name", TextRule: TextDerived},
		{Phase: domain.PhaseUsername, Order: 4, Required: true, Script: "username.lua", TextCategory: "username", TextRule: TextUnique},
		{Phase: domain.PhaseProfilePicture, Order: 5, Required: true, Script: "change_pfp.lua", ContentCategory: "pfp"},
		{Phase: domain.PhaseFirstHighlight, Order: 6, Required: false, Script: "upload_first_highlight.lua", ContentCategory: "highlight", TextCategory: "highlight_group_name", TextRule: TextFixed, FixedText: "Me"},
		{Phase: domain.PhaseNewHighlight, Order: 7, Required: false, Script: "upload_new_highlight.lua", ContentCategory: "highlight", TextCategory: "highlight_group_name", TextRule: TextPooled},
		{Phase: domain.PhasePostCaption, Order: 8, Required: true, Script: "upload_post_with_caption.lua", ContentCategory: "post", TextCategory: "caption", TextRule: TextPooled},
		{Phase: domain.PhasePostNoCaption, Order: 9, Required: true, Script: "upload_post_no_caption.lua", ContentCategory: "post"},
		{Phase: domain.PhaseStoryCaption, Order: 10, Required: true, Script: "upload_story_with_caption.lua", ContentCategory: "story", TextCategory: "caption", TextRule: TextPooled},
		{Phase: domain.PhaseStoryNoCaption, Order: 11, Required: true, Script: "upload_story_no_caption.lua", ContentCategory: "story"},
		{Phase: domain.PhaseSetToPrivate, Order: 12, Required: true, Script: "set_account_private.lua"},
	}}
}

// FromFile loads a catalog override from YAML.
func FromFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate checks ordering density and per-phase consistency.
func (c Catalog) Validate() error {
	if len(c.Entries) == 0 {
		return fmt.Errorf("catalog has no phases")
	}
	seen := map[domain.Phase]bool{}
	for i, e := range c.Entries {
		if e.Phase == "" {
			return fmt.Errorf("catalog entry %d has empty phase", i)
		}
		if seen[e.Phase] {
			return fmt.Errorf("catalog lists phase %s twice", e.Phase)
		}
		seen[e.Phase] = true
		if e.Order != i {
			return fmt.Errorf("catalog phase %s has order %d, want %d", e.Phase, e.Order, i)
		}
		if e.TextRule == TextFixed && e.FixedText == "" {
			return fmt.Errorf("catalog phase %s uses a fixed text rule without fixed_text", e.Phase)
		}
		if e.TextRule != "" && e.TextCategory == "" {
			return fmt.Errorf("catalog phase %s has a text rule but no text category", e.Phase)
		}
	}
	return nil
}

// Lookup returns the entry for a phase.
func (c Catalog) Lookup(p domain.Phase) (Entry, bool) {
	for _, e := range c.Entries {
		if e.Phase == p {
			return e, true
		}
	}
	return Entry{}, false
}

// Next returns the catalog entry following p, if any.
func (c Catalog) Next(p domain.Phase) (Entry, bool) {
	for i, e := range c.Entries {
		if e.Phase == p && i+1 < len(c.Entries) {
			return c.Entries[i+1], true
		}
	}
	return Entry{}, false
}

// Required lists the phases that must complete before warmup is done.
func (c Catalog) Required() []domain.Phase {
	var out []domain.Phase
	for _, e := range c.Entries {
		if e.Required {
			out = append(out, e.Phase)
		}
	}
	return out
}

// First returns the first automated phase, the one made available when an
// account enters warmup.
func (c Catalog) First() (Entry, bool) {
	for _, e := range c.Entries {
		if e.Script != "" {
			return e, true
		}
	}
	return Entry{}, false
}
