// Package pattern extracts structural features from registered capabilities
// and groups capabilities that share them.
package pattern

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"mycelial/internal/capability"
)

const (
	DefaultMinOccurrences = 2
	DefaultCacheSize      = 256
)

type Kind string

const (
	// KindReference marks another capability named in the description.
	KindReference Kind = "ref"
	// KindParent marks a direct lineage dependency.
	KindParent    Kind = "parent"
	KindCategory  Kind = "category"
	KindOperator  Kind = "operator"
	KindRecursive Kind = "recursive"
)

type Feature struct {
	Kind  Kind
	Value string
}

func (f Feature) Tag() string {
	if f.Value == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ":" + f.Value
}

// Pattern groups the capabilities that exhibit one feature tag.
type Pattern struct {
	Tag          string
	Kind         Kind
	Capabilities []string
	Count        int
}

type cacheKey struct {
	name       string
	version    int
	bound      bool
	population int
}

type Analyzer struct {
	store          *capability.Store
	minOccurrences int
	cache          *lru.Cache[cacheKey, []Feature]
	logger         *zap.Logger
}

type Option func(*analyzerOptions)

type analyzerOptions struct {
	minOccurrences int
	cacheSize      int
	logger         *zap.Logger
}

// WithMinOccurrences sets how many capabilities must share a tag before it is
// reported as a pattern.
func WithMinOccurrences(n int) Option {
	return func(o *analyzerOptions) {
		o.minOccurrences = n
	}
}

// WithCacheSize bounds the per-capability feature memo. Zero disables it.
func WithCacheSize(n int) Option {
	return func(o *analyzerOptions) {
		o.cacheSize = n
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *analyzerOptions) {
		o.logger = logger
	}
}

func NewAnalyzer(store *capability.Store, opts ...Option) *Analyzer {
	o := analyzerOptions{
		minOccurrences: DefaultMinOccurrences,
		cacheSize:      DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.minOccurrences < 1 {
		o.minOccurrences = 1
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	a := &Analyzer{
		store:          store,
		minOccurrences: o.minOccurrences,
		logger:         o.logger,
	}
	if o.cacheSize > 0 {
		cache, err := lru.New[cacheKey, []Feature](o.cacheSize)
		if err == nil {
			a.cache = cache
		}
	}
	return a
}

// Extract inspects the description and metadata of c. The result is sorted
// by tag.
func (a *Analyzer) Extract(c capability.Capability) []Feature {
	key := cacheKey{name: c.Name, version: c.Version, bound: c.Bound(), population: a.store.Len()}
	if a.cache != nil {
		if cached, ok := a.cache.Get(key); ok {
			return append([]Feature(nil), cached...)
		}
	}

	features := a.extract(c)
	if a.cache != nil {
		a.cache.Add(key, features)
	}
	return append([]Feature(nil), features...)
}

// ExtractTags is Extract rendered as tag strings.
func (a *Analyzer) ExtractTags(c capability.Capability) []string {
	features := a.Extract(c)
	tags := make([]string, 0, len(features))
	for _, f := range features {
		tags = append(tags, f.Tag())
	}
	return tags
}

func (a *Analyzer) extract(c capability.Capability) []Feature {
	seen := make(map[string]struct{})
	features := make([]Feature, 0, 8)
	add := func(f Feature) {
		tag := f.Tag()
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		features = append(features, f)
	}

	for _, name := range a.store.Names() {
		if name == c.Name {
			continue
		}
		if mentions(c.Description, name) {
			add(Feature{Kind: KindReference, Value: name})
		}
	}

	for _, parent := range c.Parents {
		add(Feature{Kind: KindParent, Value: parent})
	}

	if category := categoryOf(c.Metadata); category != "" {
		add(Feature{Kind: KindCategory, Value: category})
	}
	if op := c.Metadata["operator"]; op != "" {
		add(Feature{Kind: KindOperator, Value: op})
	}

	if a.isRecursive(c) {
		add(Feature{Kind: KindRecursive})
	}

	sort.Slice(features, func(i, j int) bool {
		return features[i].Tag() < features[j].Tag()
	})
	return features
}

func (a *Analyzer) isRecursive(c capability.Capability) bool {
	if mentions(c.Description, c.Name) {
		return true
	}
	ancestors, err := a.store.Ancestors(c.Name)
	if err != nil {
		return false
	}
	for _, ancestor := range ancestors {
		if mentions(c.Description, ancestor) {
			return true
		}
	}
	return false
}

// mentions reports whether name occurs in text as a whole word: the runes
// on either side of the occurrence must not be name runes.
func mentions(text, name string) bool {
	if name == "" {
		return false
	}
	for offset := 0; offset < len(text); {
		i := strings.Index(text[offset:], name)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(name)
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (start == 0 || !isNameRune(before)) && (end == len(text) || !isNameRune(after)) {
			return true
		}
		_, width := utf8.DecodeRuneInString(text[start:])
		offset = start + width
	}
	return false
}

func isNameRune(r rune) bool {
	return r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func categoryOf(metadata map[string]string) string {
	if v := metadata["category"]; v != "" {
		return v
	}
	return metadata["domain"]
}

// FindCommonPatterns groups the current capabilities by shared feature tag.
// Patterns are ordered by descending count, ties broken by tag.
func (a *Analyzer) FindCommonPatterns() []Pattern {
	byTag := make(map[string]*Pattern)
	for c := range a.store.All() {
		for _, f := range a.Extract(c) {
			tag := f.Tag()
			p, ok := byTag[tag]
			if !ok {
				p = &Pattern{Tag: tag, Kind: f.Kind}
				byTag[tag] = p
			}
			p.Capabilities = append(p.Capabilities, c.Name)
			p.Count++
		}
	}

	patterns := make([]Pattern, 0, len(byTag))
	for _, p := range byTag {
		if p.Count < a.minOccurrences {
			continue
		}
		patterns = append(patterns, *p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Tag < patterns[j].Tag
	})

	a.logger.Debug("common patterns discovered", zap.Int("patterns", len(patterns)))
	return patterns
}
