package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bluesky-social/kidgate/safety/catalog"
	"github.com/bluesky-social/kidgate/safety/keyword"
)

type ContentClass string

const (
	ClassUsername    ContentClass = "username"
	ClassDisplayName ContentClass = "displayname"
	ClassMessage     ContentClass = "message"
	ClassGameContent ContentClass = "gamecontent"
	ClassAIResponse  ContentClass = "airesponse"
	ClassGeneral     ContentClass = "general"
)

var knownClasses = map[ContentClass]bool{
	ClassUsername:    true,
	ClassDisplayName: true,
	ClassMessage:     true,
	ClassGameContent: true,
	ClassAIResponse:  true,
	ClassGeneral:     true,
}

// ParseContentClass is case-insensitive and ignores separators ("Display_Name" is [ClassDisplayName]).
func ParseContentClass(raw string) (ContentClass, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(raw))
	cc := ContentClass(norm)
	if !knownClasses[cc] {
		return "", fmt.Errorf("unknown content class: %q", raw)
	}
	return cc, nil
}

// names get a lighter educational and age check: they can't be expected to teach anything
func (cc ContentClass) IsName() bool {
	return cc == ClassUsername || cc == ClassDisplayName
}

const (
	DefaultMaxLength = 500

	maxWords           = 80
	complexWordLength  = 12
	maxComplexRatio    = 0.1
	maxNameLength      = 50
	maxNameWordLength  = 15
	shortNameLength    = 10
	ApprovedReason     = "Content approved for child viewing"
	EmptyContentReason = "Empty content is not allowed"
)

const (
	ConcernUnsafe         = "Content contains words that are not suitable for children"
	ConcernNotEducational = "Content lacks educational value"
	ConcernAge            = "Content may be too complex for 12-year-olds"
	ConcernNotPositive    = "Content should be more encouraging and positive"
)

var ErrNoCatalog = errors.New("no pattern catalog loaded")

type Context struct {
	Class ContentClass
	// free-form description, eg "geography and cultural exploration"
	Topic string
}

type Verdict struct {
	Approved       bool     `json:"approved"`
	Safe           bool     `json:"safe"`
	Educational    bool     `json:"educational"`
	AgeAppropriate bool     `json:"ageAppropriate"`
	Positive       bool     `json:"positive"`
	WithinLength   bool     `json:"withinLength"`
	Confidence     float64  `json:"confidence"`
	Reason         string   `json:"reason"`
	Concerns       []string `json:"concerns"`
	CatalogVersion string   `json:"catalogVersion"`
}

// Classifier runs the five independent content checks against the current pattern catalog. It holds no per-call state.
type Classifier struct {
	Catalogs  *catalog.Holder
	MaxLength int
}

func NewClassifier(catalogs *catalog.Holder) *Classifier {
	return &Classifier{
		Catalogs:  catalogs,
		MaxLength: DefaultMaxLength,
	}
}

func (c *Classifier) Classify(ctx context.Context, content string, cc Context) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	if c.Catalogs == nil || c.Catalogs.Current() == nil {
		return Verdict{}, ErrNoCatalog
	}
	cat := c.Catalogs.Current()

	if strings.TrimSpace(content) == "" {
		return Verdict{
			Confidence:     1.0,
			Reason:         EmptyContentReason,
			Concerns:       []string{"No content provided"},
			CatalogVersion: cat.Version,
		}, nil
	}

	maxLen := c.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}

	tokens := keyword.TokenizeText(content)
	v := Verdict{
		Safe:           checkSafe(cat, tokens),
		Educational:    checkEducational(cat, content, tokens, cc),
		AgeAppropriate: checkAgeAppropriate(cat, content, tokens, cc),
		Positive:       checkPositive(cat, tokens),
		WithinLength:   utf8.RuneCountInString(content) <= maxLen,
		CatalogVersion: cat.Version,
	}

	if !v.Safe {
		v.Concerns = append(v.Concerns, ConcernUnsafe)
	}
	if !v.Educational {
		v.Concerns = append(v.Concerns, ConcernNotEducational)
	}
	if !v.AgeAppropriate {
		v.Concerns = append(v.Concerns, ConcernAge)
	}
	if !v.Positive {
		v.Concerns = append(v.Concerns, ConcernNotPositive)
	}
	if !v.WithinLength {
		v.Concerns = append(v.Concerns, fmt.Sprintf("Content exceeds maximum length of %d characters", maxLen))
	}

	passed := 0
	for _, ok := range []bool{v.Safe, v.Educational, v.AgeAppropriate, v.Positive, v.WithinLength} {
		if ok {
			passed++
		}
	}
	v.Confidence = float64(passed) / 5.0
	v.Approved = passed == 5
	if v.Approved {
		v.Reason = ApprovedReason
	} else {
		v.Reason = strings.Join(v.Concerns, "; ")
	}
	return v, nil
}

func checkSafe(cat *catalog.Catalog, tokens []string) bool {
	return !cat.Has(catalog.SetProhibited, tokens) &&
		!cat.Has(catalog.SetScary, tokens) &&
		!cat.Has(catalog.SetNegative, tokens)
}

func checkEducational(cat *catalog.Catalog, content string, tokens []string, cc Context) bool {
	if cc.Class.IsName() {
		if !checkSafe(cat, tokens) {
			return false
		}
		return cat.Has(catalog.SetNameFriendly, tokens) || utf8.RuneCountInString(strings.TrimSpace(content)) <= shortNameLength
	}
	if !cat.Has(catalog.SetEducational, tokens) || !cat.Has(catalog.SetFactual, tokens) {
		return false
	}
	if _, terms, ok := cat.TopicTerms(cc.Topic); ok {
		return containsAnyPrefix(tokens, terms)
	}
	// no specific topic expectations
	return true
}

func checkAgeAppropriate(cat *catalog.Catalog, content string, tokens []string, cc Context) bool {
	if len(tokens) > maxWords {
		return false
	}
	nComplex := 0
	for _, tok := range tokens {
		if utf8.RuneCountInString(tok) > complexWordLength {
			nComplex++
		}
	}
	if float64(nComplex) > float64(len(tokens))*maxComplexRatio {
		return false
	}
	if cc.Class.IsName() {
		return utf8.RuneCountInString(content) <= maxNameLength && keyword.Longest(tokens) <= maxNameWordLength
	}
	return cat.Has(catalog.SetAgeConcepts, tokens)
}

// neutral text passes: it only needs to avoid discouraging phrasing
func checkPositive(cat *catalog.Catalog, tokens []string) bool {
	return cat.Has(catalog.SetPositive, tokens) || !cat.Has(catalog.SetNegative, tokens)
}

func containsAnyPrefix(tokens, terms []string) bool {
	for _, tok := range tokens {
		for _, term := range terms {
			if keyword.MatchPrefix(tok, term) {
				return true
			}
		}
	}
	return false
}
