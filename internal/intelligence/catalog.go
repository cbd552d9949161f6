package intelligence

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// Catalog is the static configuration the engine is built from.
type Catalog struct {
	Threshold      float64             `yaml:"threshold"`
	Intents        []CatalogIntent     `yaml:"intents"`
	Transitions    []CatalogTransition `yaml:"transitions"`
	Templates      CatalogTemplates    `yaml:"templates"`
	ContextAliases map[string][]string `yaml:"context_aliases"`
}

// CatalogIntent declares one intent.
type CatalogIntent struct {
	ID            string   `yaml:"id"`
	MinConfidence float64  `yaml:"min_confidence"`
	Exemplars     []string `yaml:"exemplars"`
}

// CatalogTransition declares the same rule for one or more from states.
type CatalogTransition struct {
	From StateList `yaml:"from"`
	On   string    `yaml:"on"`
	To   string    `yaml:"to"`
}

// CatalogTemplates holds global templates keyed by template key and owner
// templates keyed by owner id then template key.
type CatalogTemplates struct {
	Global map[string]string            `yaml:"global"`
	Owners map[string]map[string]string `yaml:"owners"`
}

// StateList accepts either a single state name or a sequence of names.
type StateList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StateList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.AliasNode:
		return l.UnmarshalYAML(node.Alias)
	case yaml.ScalarNode:
		*l = StateList{node.Value}
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		*l = names
		return nil
	default:
		return fmt.Errorf("line %d: from must be a state name or a list of state names", node.Line)
	}
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(bytes.NewReader(defaultCatalogYAML))
}

// LoadCatalog reads a catalog file. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("intelligence: open catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog decodes a YAML catalog. Unknown fields are rejected.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty catalog", ErrInvalidCatalog)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return nil, fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalidCatalog, c.Threshold)
	}
	return &c, nil
}

// Lexicon builds the intent lexicon.
func (c *Catalog) Lexicon() (*Lexicon, error) {
	intents := make([]Intent, 0, len(c.Intents))
	for _, in := range c.Intents {
		intents = append(intents, Intent{
			ID:            IntentID(in.ID),
			Exemplars:     in.Exemplars,
			MinConfidence: in.MinConfidence,
		})
	}
	return NewLexicon(intents...)
}

// TransitionTable builds the rule table. Every rule must reference an intent
// the lexicon knows, or unknown.
func (c *Catalog) TransitionTable(lex *Lexicon) (*TransitionTable, error) {
	var rules []TransitionRule
	for _, t := range c.Transitions {
		intent := IntentID(strings.TrimSpace(t.On))
		if lex != nil && !lex.Has(intent) {
			return nil, fmt.Errorf("%w: transition on undeclared intent %q", ErrInvalidCatalog, t.On)
		}
		to, err := ParseState(t.To)
		if err != nil {
			return nil, fmt.Errorf("%w: transition on %q: %v", ErrInvalidCatalog, t.On, err)
		}
		if len(t.From) == 0 {
			return nil, fmt.Errorf("%w: transition on %q has no from state", ErrInvalidCatalog, t.On)
		}
		for _, name := range t.From {
			from, err := ParseState(name)
			if err != nil {
				return nil, fmt.Errorf("%w: transition on %q: %v", ErrInvalidCatalog, t.On, err)
			}
			rules = append(rules, TransitionRule{From: from, Intent: intent, To: to})
		}
	}
	return NewTransitionTable(rules)
}

// ResponseTemplates builds the template catalog.
func (c *Catalog) ResponseTemplates() (*Templates, error) {
	return NewTemplates(c.Templates.Global, c.Templates.Owners, c.ContextAliases)
}

// Build validates the whole catalog and returns a ready engine. A nil
// embedder selects the local HashingEmbedder. A catalog threshold applies
// before opts, so callers can still override it.
func (c *Catalog) Build(ctx context.Context, embedder Embedder, opts ...ClassifierOption) (*Engine, error) {
	lex, err := c.Lexicon()
	if err != nil {
		return nil, err
	}
	table, err := c.TransitionTable(lex)
	if err != nil {
		return nil, err
	}
	templates, err := c.ResponseTemplates()
	if err != nil {
		return nil, err
	}

	all := make([]ClassifierOption, 0, len(opts)+1)
	if c.Threshold > 0 {
		all = append(all, WithThreshold(c.Threshold))
	}
	all = append(all, opts...)
	classifier, err := NewClassifier(ctx, lex, embedder, all...)
	if err != nil {
		return nil, err
	}
	return NewEngine(classifier, NewMachine(table), templates)
}
