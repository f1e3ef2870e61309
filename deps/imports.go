package deps

import (
	"errors"
	"io/fs"
	"os"
	"unicode"

	"github.com/isdmx/scriptbox/errdefs"
)

type tokenKind int

const (
	tokName tokenKind = iota
	tokOp
	tokString
	tokEnd // end of a simple statement
)

type token struct {
	kind tokenKind
	text string
}

// ExtractModuleNames returns the absolute modules imported anywhere in a
// Python source file, in first-seen order. Imports nested in conditionals,
// exception handlers and function bodies are all included. Only the root
// package of a dotted name is kept, for both import forms: `import a.b` and
// `from a.b import c` both yield "a". Relative imports are ignored.
func ExtractModuleNames(source []byte) []string {
	var (
		names []string
		seen  = make(map[string]struct{})
	)
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for _, stmt := range splitStatements(tokenize(source)) {
		if len(stmt) == 0 || stmt[0].kind != tokName {
			continue
		}
		switch stmt[0].text {
		case "import":
			for _, name := range importNames(stmt[1:]) {
				add(name)
			}
		case "from":
			if name, ok := fromImportName(stmt[1:]); ok {
				add(name)
			}
		}
	}
	return names
}

// ExtractModuleNamesFromFile reads path and extracts its imported modules
func ExtractModuleNamesFromFile(path string) ([]string, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errdefs.NotFound("script %q", path)
		}
		return nil, err
	}
	return ExtractModuleNames(source), nil
}

// importNames handles `import a.b as c, d`
func importNames(tokens []token) []string {
	var names []string
	expectName := true
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok.kind == tokName && expectName:
			names = append(names, tok.text)
			expectName = false
		case tok.kind == tokOp && tok.text == ",":
			expectName = true
		case tok.kind == tokName && tok.text == "as":
			i++ // alias
		}
	}
	return names
}

// fromImportName handles `from a.b import c`, skipping relative forms
func fromImportName(tokens []token) (string, bool) {
	if len(tokens) == 0 || tokens[0].kind != tokName {
		return "", false
	}
	for _, tok := range tokens[1:] {
		if tok.kind == tokName && tok.text == "import" {
			return tokens[0].text, true
		}
	}
	return "", false
}

// splitStatements breaks a token stream into simple statements. A colon at
// bracket depth zero also ends a statement so that `if x: import y` and
// `try: import y` expose their bodies.
func splitStatements(tokens []token) [][]token {
	var (
		stmts   [][]token
		current []token
	)
	for _, tok := range tokens {
		if tok.kind == tokEnd {
			if len(current) > 0 {
				stmts = append(stmts, current)
			}
			current = nil
			continue
		}
		current = append(current, tok)
	}
	if len(current) > 0 {
		stmts = append(stmts, current)
	}
	return stmts
}

// tokenize is a lexical scanner for the subset of Python needed to find
// import statements. String literals and comments are skipped, newlines
// inside brackets and after a backslash are joined.
func tokenize(source []byte) []token {
	src := []rune(string(source))
	var (
		tokens []token
		depth  int
	)
	emit := func(kind tokenKind, text string) {
		tokens = append(tokens, token{kind: kind, text: text})
	}

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '\\':
			i++
			if i < len(src) && src[i] == '\r' {
				i++
			}
			if i < len(src) && src[i] == '\n' {
				i++
			}
		case c == '\n':
			if depth == 0 {
				emit(tokEnd, "")
			}
			i++
		case c == '\'' || c == '"':
			i = skipString(src, i)
			emit(tokString, "")
		case c == '(' || c == '[' || c == '{':
			depth++
			emit(tokOp, string(c))
			i++
		case c == ')' || c == ']' || c == '}':
			if depth > 0 {
				depth--
			}
			emit(tokOp, string(c))
			i++
		case c == ';':
			emit(tokEnd, "")
			i++
		case c == ':' && depth == 0:
			if i+1 < len(src) && src[i+1] == '=' {
				emit(tokOp, ":=")
				i += 2
				continue
			}
			emit(tokEnd, "")
			i++
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(src) && (src[i] == '_' || unicode.IsLetter(src[i]) || unicode.IsDigit(src[i])) {
				i++
			}
			emit(tokName, string(src[start:i]))
		case unicode.IsDigit(c):
			for i < len(src) && (src[i] == '_' || src[i] == '.' || unicode.IsLetter(src[i]) || unicode.IsDigit(src[i])) {
				i++
			}
			emit(tokOp, "0")
		case unicode.IsSpace(c):
			i++
		default:
			emit(tokOp, string(c))
			i++
		}
	}
	return tokens
}

// skipString returns the index just past the string literal starting at i
func skipString(src []rune, i int) int {
	quote := src[i]
	triple := i+2 < len(src) && src[i+1] == quote && src[i+2] == quote
	if triple {
		i += 3
	} else {
		i++
	}

	for i < len(src) {
		switch c := src[i]; {
		case c == '\\':
			i += 2
		case c == quote && !triple:
			return i + 1
		case c == quote && i+2 < len(src) && src[i+1] == quote && src[i+2] == quote:
			return i + 3
		case c == '\n' && !triple:
			return i
		default:
			i++
		}
	}
	return len(src)
}
