package intelligence

import (
	"fmt"
	"regexp"
	"strings"
)

// UnrecognizedSuffix marks the "didn't understand" variant of a state's
// template, e.g. "pricing_question.unrecognized".
const UnrecognizedSuffix = ".unrecognized"

// Variant selects which template of a state to render.
type Variant int

const (
	VariantStanding Variant = iota
	VariantUnrecognized
)

// TemplateSource tells where a rendered template came from.
type TemplateSource string

const (
	SourceGlobal   TemplateSource = "global"
	SourceOwner    TemplateSource = "owner"
	SourceOverride TemplateSource = "override"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// RenderRequest is one render call. Overrides is the caller-supplied,
// owner-scoped template set for OwnerID and wins over everything else.
type RenderRequest struct {
	State     State
	Variant   Variant
	Context   map[string]string
	OwnerID   string
	Overrides map[string]string
}

// Rendered is the output of Render.
type Rendered struct {
	Text   string         `json:"text"`
	Key    string         `json:"key"`
	Source TemplateSource `json:"source"`
	// Unresolved lists placeholders that had no value and rendered empty.
	Unresolved []string `json:"unresolved,omitempty"`
}

// Templates is the immutable global + per-owner template catalog.
type Templates struct {
	global  map[string]string
	owners  map[string]map[string]string
	aliases map[string][]string
}

// NewTemplates requires a global template for every state. Owner templates
// and aliases are optional.
func NewTemplates(global map[string]string, owners map[string]map[string]string, aliases map[string][]string) (*Templates, error) {
	t := &Templates{
		global:  make(map[string]string, len(global)),
		owners:  make(map[string]map[string]string, len(owners)),
		aliases: make(map[string][]string, len(aliases)),
	}
	for key, text := range global {
		if err := ValidateTemplateKey(key); err != nil {
			return nil, err
		}
		t.global[key] = text
	}
	for _, s := range AllStates() {
		// Terminal states may map to "" to stay silent.
		text, ok := t.global[s.TemplateKey()]
		if !ok || (strings.TrimSpace(text) == "" && !s.Terminal()) {
			return nil, fmt.Errorf("%w: no global template for state %s", ErrInvalidCatalog, s)
		}
	}
	for owner, set := range owners {
		owner = strings.TrimSpace(owner)
		if owner == "" {
			return nil, fmt.Errorf("%w: owner templates with empty owner id", ErrInvalidCatalog)
		}
		copied := make(map[string]string, len(set))
		for key, text := range set {
			if err := ValidateTemplateKey(key); err != nil {
				return nil, err
			}
			copied[key] = text
		}
		t.owners[owner] = copied
	}
	for field, alts := range aliases {
		t.aliases[field] = append([]string(nil), alts...)
	}
	return t, nil
}

// ValidateTemplateKey accepts a state name or a state name with the
// unrecognized suffix.
func ValidateTemplateKey(key string) error {
	base := strings.TrimSuffix(key, UnrecognizedSuffix)
	if _, err := ParseState(base); err != nil {
		return fmt.Errorf("%w: template key %q does not name a state", ErrInvalidCatalog, key)
	}
	return nil
}

// Global returns the global template for key.
func (t *Templates) Global(key string) (string, bool) {
	text, ok := t.global[key]
	return text, ok
}

// Render resolves the template for req and substitutes placeholders. It
// only fails for an invalid state.
func (t *Templates) Render(req RenderRequest) (Rendered, error) {
	if !req.State.Valid() {
		return Rendered{}, fmt.Errorf("%w: %s", ErrInvalidState, req.State)
	}
	keys := []string{req.State.TemplateKey()}
	if req.Variant == VariantUnrecognized {
		keys = append([]string{req.State.TemplateKey() + UnrecognizedSuffix}, keys...)
	}

	for _, key := range keys {
		text, source, ok := t.resolve(key, req.OwnerID, req.Overrides)
		if !ok {
			continue
		}
		out, unresolved := t.substitute(text, req.Context)
		return Rendered{Text: out, Key: key, Source: source, Unresolved: unresolved}, nil
	}
	// NewTemplates guarantees a global template per state.
	return Rendered{Key: req.State.TemplateKey(), Source: SourceGlobal}, nil
}

func (t *Templates) resolve(key, ownerID string, overrides map[string]string) (string, TemplateSource, bool) {
	if text, ok := overrides[key]; ok {
		return text, SourceOverride, true
	}
	if ownerID != "" {
		if text, ok := t.owners[ownerID][key]; ok {
			return text, SourceOwner, true
		}
	}
	if text, ok := t.global[key]; ok {
		return text, SourceGlobal, true
	}
	return "", "", false
}

func (t *Templates) substitute(text string, ctx map[string]string) (string, []string) {
	var unresolved []string
	seen := make(map[string]bool)
	out := placeholderRe.ReplaceAllStringFunc(text, func(token string) string {
		field := token[1 : len(token)-1]
		if v, ok := t.lookup(field, ctx); ok {
			return v
		}
		if !seen[field] {
			seen[field] = true
			unresolved = append(unresolved, field)
		}
		return ""
	})
	return out, unresolved
}

func (t *Templates) lookup(field string, ctx map[string]string) (string, bool) {
	if v, ok := nonEmpty(ctx, field); ok {
		return v, true
	}
	// Case-insensitive matches resolve to the lexicographically smallest key
	// so the result does not depend on map order.
	var (
		match   string
		matched bool
	)
	for key, v := range ctx {
		if !strings.EqualFold(key, field) || strings.TrimSpace(v) == "" {
			continue
		}
		if !matched || key < match {
			match, matched = key, true
		}
	}
	if matched {
		return strings.TrimSpace(ctx[match]), true
	}
	for _, alt := range t.aliases[field] {
		if v, ok := nonEmpty(ctx, alt); ok {
			return v, true
		}
	}
	return "", false
}

func nonEmpty(ctx map[string]string, key string) (string, bool) {
	v, ok := ctx[key]
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
