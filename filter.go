package scanmgr

import (
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/pkg/errors"

	"github.com/greenbone/scanmgr/pkg/ast"
)

// ScoreParams scope one scoring or listing request: who is asking and
// under which filter terms. The zero UserID means unauthenticated.
type ScoreParams struct {
	UserID uint

	// resolve severities through the user's overrides
	ApplyOverrides bool
	// minimum quality of detection for a result to count
	MinQoD int

	// level letters restricting listings (h, m, l, g, f)
	Levels string

	SortField   string
	SortReverse bool
	First       int
	Rows        int

	// keyed terms this core does not consume, kept verbatim for outer
	// layers
	Extra []string
	// free-text words
	Text []string
}

// DefaultScoreParams are the stock filter defaults applied before any
// term is read.
func DefaultScoreParams(userID uint) ScoreParams {
	return ScoreParams{
		UserID: userID,
		MinQoD: 70,
		First:  1,
		Rows:   -1,
	}
}

type FilterParser struct {
	parser *participle.Parser[ast.Filter]
}

func NewFilterParser() *FilterParser {
	p := participle.MustBuild[ast.Filter](
		participle.Lexer(ast.FilterLexer),
		participle.Unquote("String"),
	)
	return &FilterParser{parser: p}
}

// Parse reads a powerfilter string into ScoreParams for the given
// user. An empty filter yields the defaults.
func (p *FilterParser) Parse(userID uint, filter string) (ScoreParams, error) {
	params := DefaultScoreParams(userID)
	if strings.TrimSpace(filter) == "" {
		return params, nil
	}

	f, err := p.parser.ParseString("", filter)
	if err != nil {
		return params, errors.Wrap(err, "failed to parse filter")
	}

	for _, term := range f.Terms {
		if err := params.bind(term); err != nil {
			return params, err
		}
	}
	return params, nil
}

// Folds one term into the params. Unknown keywords stay verbatim in
// Extra rather than failing: filters travel between components that
// each consume their own keywords.
func (p *ScoreParams) bind(term *ast.Term) error {
	if !term.Keyed() {
		p.Text = append(p.Text, term.Field)
		return nil
	}

	if term.Op != "=" {
		p.Extra = append(p.Extra, term.String())
		return nil
	}

	switch term.Field {
	case "apply_overrides":
		p.ApplyOverrides = term.Value != "0"
	case "min_qod":
		v, err := strconv.Atoi(term.Value)
		if err != nil {
			return errors.Wrapf(err, "malformed min_qod %q", term.Value)
		}
		p.MinQoD = v
	case "levels":
		p.Levels = term.Value
	case "sort":
		p.SortField = term.Value
		p.SortReverse = false
	case "sort-reverse":
		p.SortField = term.Value
		p.SortReverse = true
	case "first":
		v, err := strconv.Atoi(term.Value)
		if err != nil {
			return errors.Wrapf(err, "malformed first %q", term.Value)
		}
		p.First = v
	case "rows":
		v, err := strconv.Atoi(term.Value)
		if err != nil {
			return errors.Wrapf(err, "malformed rows %q", term.Value)
		}
		p.Rows = v
	default:
		p.Extra = append(p.Extra, term.String())
	}
	return nil
}

// LevelSelected reports whether a level name passes the levels= term.
// An empty term selects everything.
func (p *ScoreParams) LevelSelected(level string) bool {
	if p.Levels == "" {
		return true
	}

	var letter string
	switch level {
	case LevelHigh:
		letter = "h"
	case LevelMedium:
		letter = "m"
	case LevelLow:
		letter = "l"
	case LevelLog:
		letter = "g"
	case LevelFalsePositive:
		letter = "f"
	default:
		return false
	}
	return strings.Contains(p.Levels, letter)
}
