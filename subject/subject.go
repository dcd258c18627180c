// Package subject implements wildcard subject algebra for dot-separated
// broker subjects, plus validation for subject name components.
//
// Subjects are sequences of tokens separated by ".". Two wildcards exist:
//
//   - "*" matches exactly one token
//   - ">" matches one or more trailing tokens and must be the last token
//
// The package is pure: no I/O, no shared state.
package subject

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	// TokenSeparator separates subject tokens.
	TokenSeparator = "."

	// WildcardToken matches exactly one token.
	WildcardToken = "*"

	// FullWildcardToken matches one or more trailing tokens.
	FullWildcardToken = ">"

	// MaxComponentLength caps subject name components.
	MaxComponentLength = 255
)

// Matches reports whether pattern matches the concrete subject.
// The subject itself may not contain wildcards; if it does, Matches
// treats them as literal tokens.
func Matches(pattern, concrete string) bool {
	p := Tokens(pattern)
	c := Tokens(concrete)

	for i := 0; ; i++ {
		pEnd, cEnd := i >= len(p), i >= len(c)
		if pEnd && cEnd {
			return true
		}
		if pEnd || cEnd {
			return false
		}
		if p[i] == FullWildcardToken {
			// ">" absorbs the remaining tokens; at least one exists here.
			return true
		}
		if p[i] == WildcardToken || p[i] == c[i] {
			continue
		}
		return false
	}
}

// Overlap reports whether at least one concrete subject is matched by
// both a and b. The relation is symmetric.
//
// Tokens are compared pairwise: a pair is compatible if the tokens are
// equal, either is "*", or either is ">" (which absorbs everything that
// remains on both sides regardless of length).
func Overlap(a, b string) bool {
	at := Tokens(a)
	bt := Tokens(b)

	for i := 0; ; i++ {
		aEnd, bEnd := i >= len(at), i >= len(bt)
		if aEnd && bEnd {
			return true
		}
		if aEnd || bEnd {
			return false
		}
		if at[i] == FullWildcardToken || bt[i] == FullWildcardToken {
			return true
		}
		if at[i] == bt[i] || at[i] == WildcardToken || bt[i] == WildcardToken {
			continue
		}
		return false
	}
}

// OverlapAny reports whether candidate overlaps any of the given patterns.
func OverlapAny(patterns []string, candidate string) bool {
	for _, p := range patterns {
		if Overlap(p, candidate) {
			return true
		}
	}
	return false
}

// Covered reports whether candidate is already implied by one of the
// existing patterns: true iff some existing pattern matches every concrete
// subject that candidate could match (candidate is a refinement or exact
// match of that pattern).
//
// Note the asymmetry with Overlap: "a.b.c" covers nothing broader than
// itself, so Covered([]string{"a.b.c"}, "a.*.c") is false even though the
// two patterns overlap.
func Covered(existing []string, candidate string) bool {
	for _, p := range existing {
		if covers(p, candidate) {
			return true
		}
	}
	return false
}

// covers reports whether every concrete subject matched by candidate is
// also matched by pattern.
func covers(pattern, candidate string) bool {
	p := Tokens(pattern)
	c := Tokens(candidate)

	for i := 0; ; i++ {
		pEnd, cEnd := i >= len(p), i >= len(c)
		if pEnd && cEnd {
			return true
		}
		if pEnd || cEnd {
			return false
		}
		if p[i] == FullWildcardToken {
			// Pattern absorbs the rest; candidate has at least one token left.
			return true
		}
		if c[i] == FullWildcardToken {
			// Candidate is unbounded here but the pattern is not.
			return false
		}
		if p[i] == WildcardToken || p[i] == c[i] {
			continue
		}
		return false
	}
}

// Tokens splits a subject into its dot-separated tokens.
func Tokens(s string) []string {
	return strings.Split(s, TokenSeparator)
}

// Normalize trims surrounding whitespace and deduplicates the given
// subjects, preserving first-seen order.
func Normalize(subjects []string) []string {
	seen := make(map[string]struct{}, len(subjects))
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

var componentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateComponent validates a single subject name component (environment,
// application name, destination). Components must not contain wildcard
// characters, whitespace, control characters, or the token separator, and
// are capped at MaxComponentLength.
func ValidateComponent(s string) error {
	return validation.Validate(s,
		validation.Required,
		validation.Length(1, MaxComponentLength),
		validation.By(noReservedCharacters),
		validation.Match(componentPattern).Error("must contain only letters, digits, '-' and '_'"),
	)
}

// noReservedCharacters rejects wildcard, whitespace and control characters.
// It runs before the pattern match to produce a more specific message.
func noReservedCharacters(value interface{}) error {
	s, _ := value.(string)
	for _, r := range s {
		switch {
		case r == '*' || r == '>':
			return fmt.Errorf("wildcard character %q is not allowed", r)
		case r == '.':
			return fmt.Errorf("token separator %q is not allowed", r)
		case unicode.IsSpace(r):
			return fmt.Errorf("whitespace is not allowed")
		case unicode.IsControl(r):
			return fmt.Errorf("control characters are not allowed")
		}
	}
	return nil
}
