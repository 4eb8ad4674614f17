package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/bluesky-social/kidgate/safety/keyword"
)

type Mode string

const (
	// whole tokens (or plurals of them); multi-word terms match as a contiguous run of tokens
	ModeExact Mode = "exact"
	// token starts with the term ("learn" matches "learning")
	ModePrefix Mode = "prefix"
)

const (
	SetProhibited    = "prohibited"
	SetScary         = "scary"
	SetNegative      = "negative"
	SetPositive      = "positive"
	SetEducational   = "educational"
	SetFactual       = "factual"
	SetAgeConcepts   = "age-concepts"
	SetNameFriendly  = "name-friendly"
	SetPIIKeywords   = "pii-keywords"
	SetTopicKeywords = "topic-keywords"
)

var requiredSets = []string{
	SetProhibited,
	SetScary,
	SetNegative,
	SetPositive,
	SetEducational,
	SetFactual,
	SetAgeConcepts,
	SetNameFriendly,
	SetPIIKeywords,
	SetTopicKeywords,
}

var ErrNotCompiled = errors.New("catalog has not been compiled")

type TermSet struct {
	Mode  Mode     `json:"mode"`
	Terms []string `json:"terms"`

	seqs [][]string
}

type Pattern struct {
	Category string `json:"category"`
	Expr     string `json:"expr"`

	re *regexp.Regexp
}

// Catalog is a versioned bundle of term lists and PII patterns. Once compiled it is treated as immutable and is safe for concurrent reads; updates happen by building a new Catalog and swapping it in a [Holder].
type Catalog struct {
	Version string              `json:"version"`
	Sets    map[string]*TermSet `json:"sets"`
	// topic name to terms (prefix matched) a text about that topic is expected to use
	Topics      map[string][]string `json:"topics"`
	PIIPatterns []*Pattern          `json:"pii_patterns"`

	topicOrder []string
	compiled   bool
}

func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog JSON: %w", err)
	}
	if err := c.Compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

func LoadFile(p string) (*Catalog, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Compile validates the catalog and pre-processes terms and patterns. Must be called before any lookups.
func (c *Catalog) Compile() error {
	if c.Version == "" {
		return fmt.Errorf("catalog is missing a version")
	}
	for _, name := range requiredSets {
		if _, ok := c.Sets[name]; !ok {
			return fmt.Errorf("catalog %s is missing term set %q", c.Version, name)
		}
	}
	for name, ts := range c.Sets {
		switch ts.Mode {
		case ModeExact, ModePrefix:
		case "":
			ts.Mode = ModeExact
		default:
			return fmt.Errorf("term set %q has unknown match mode %q", name, ts.Mode)
		}
		ts.seqs = make([][]string, 0, len(ts.Terms))
		for _, term := range ts.Terms {
			toks := keyword.TokenizeText(term)
			if len(toks) == 0 {
				return fmt.Errorf("term set %q has an empty term", name)
			}
			ts.seqs = append(ts.seqs, toks)
		}
	}
	for _, p := range c.PIIPatterns {
		re, err := regexp.Compile("(?i)" + p.Expr)
		if err != nil {
			return fmt.Errorf("compiling %s pattern: %w", p.Category, err)
		}
		p.re = re
	}
	c.topicOrder = make([]string, 0, len(c.Topics))
	for name := range c.Topics {
		c.topicOrder = append(c.topicOrder, name)
	}
	sort.Strings(c.topicOrder)
	c.compiled = true
	return nil
}

func (c *Catalog) Compiled() bool {
	return c != nil && c.compiled
}

// Matches returns the terms of the named set found in tokens, in catalog order.
func (c *Catalog) Matches(set string, tokens []string) []string {
	ts, ok := c.Sets[set]
	if !ok {
		// NOTE: missing sets never match
		return nil
	}
	last := keyword.MatchExact
	if ts.Mode == ModePrefix {
		last = keyword.MatchPrefix
	}
	var out []string
	for i, seq := range ts.seqs {
		if keyword.ContainsSequence(tokens, seq, last) {
			out = append(out, ts.Terms[i])
		}
	}
	return out
}

func (c *Catalog) Has(set string, tokens []string) bool {
	return len(c.Matches(set, tokens)) > 0
}

// TopicTerms finds the first configured topic named within the free-form topic description ("geography and cultural exploration" resolves to "geography").
func (c *Catalog) TopicTerms(topic string) (string, []string, bool) {
	topic = strings.ToLower(topic)
	if strings.TrimSpace(topic) == "" {
		return "", nil, false
	}
	for _, name := range c.topicOrder {
		if strings.Contains(topic, name) {
			return name, c.Topics[name], true
		}
	}
	return "", nil, false
}

// ScanPII returns the categories of every PII pattern that matches the text.
func (c *Catalog) ScanPII(text string) []string {
	var out []string
	for _, p := range c.PIIPatterns {
		if p.re != nil && p.re.MatchString(text) {
			out = append(out, p.Category)
		}
	}
	return out
}
