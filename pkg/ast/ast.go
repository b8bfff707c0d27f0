// Package ast holds the grammar of powerfilter strings: the
// whitespace-separated query terms that scope listing and scoring
// calls, e.g. `apply_overrides=1 min_qod=70 levels=hml sort=severity`.
package ast

import "github.com/alecthomas/participle/v2/lexer"

var FilterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"[^"]*"`},
	{Name: "Op", Pattern: `[=<>:]`},
	{Name: "Word", Pattern: `[^\s"=<>:]+`},
	{Name: "whitespace", Pattern: `\s+`},
})

type Filter struct {
	Terms []*Term `parser:"@@*"`
}

// A term is a keyword applied to a value ("min_qod=70",
// "severity>6.9") or a bare word of free text.
type Term struct {
	Field string `parser:"@Word"`
	Op    string `parser:"( @Op"`
	Value string `parser:"  ( @Word | @String ) )?"`
}

// Keyed reports whether the term carries an operator and value rather
// than being free text.
func (t *Term) Keyed() bool {
	return t.Op != ""
}

func (t *Term) String() string {
	return t.Field + t.Op + t.Value
}
