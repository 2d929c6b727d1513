// Package product canonicalizes software product names and decides whether a
// catalog-affected product refers to a piece of installed software.
package product

import (
	"strings"
	"unicode"
)

const (
	// MinTokenLength is the length at or below which a token is ignored by the
	// overlap rule.
	MinTokenLength = 2
	// MinOverlap is the number of overlapping significant tokens required for
	// a fuzzy match.
	MinOverlap = 2
)

// Normalize lowercases s, replaces every non-alphanumeric rune with a space
// and collapses runs of whitespace. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

// Match reports whether catalogProduct and userProduct name the same product.
// Both arguments are normalized first, so callers may pass raw names.
//
// Match is symmetric: Match(a, b) == Match(b, a).
func Match(catalogProduct, userProduct string) bool {
	a := Normalize(catalogProduct)
	b := Normalize(userProduct)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}

	ta := strings.Fields(a)
	tb := strings.Fields(b)
	if vendorQualified(ta, tb) || vendorQualified(tb, ta) {
		return true
	}

	sa := significant(ta)
	sb := significant(tb)
	if len(sa) < MinOverlap || len(sb) < MinOverlap {
		return false
	}
	return max(overlap(sa, sb), overlap(sb, sa)) >= MinOverlap
}

// vendorQualified reports whether qualified is "<vendor> <bare...>", i.e. the
// catalog form of a product whose installed name omits the vendor.
func vendorQualified(qualified, bare []string) bool {
	if len(qualified) != len(bare)+1 {
		return false
	}
	for i, tok := range bare {
		if qualified[i+1] != tok {
			return false
		}
	}
	return true
}

func significant(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len(t) > MinTokenLength {
			out = append(out, t)
		}
	}
	return out
}

// overlap counts the tokens of from that contain, or are contained in, any
// token of to.
func overlap(from, to []string) int {
	n := 0
	for _, f := range from {
		for _, t := range to {
			if strings.Contains(f, t) || strings.Contains(t, f) {
				n++
				break
			}
		}
	}
	return n
}

// FromCPE extracts the normalized "vendor product" name from a CPE 2.3
// formatted string. When vendor and product are identical only the product
// is returned. ok is false for strings that are not CPE 2.3 names.
func FromCPE(cpe string) (name string, ok bool) {
	parts := strings.Split(cpe, ":")
	if len(parts) < 5 || parts[0] != "cpe" || parts[1] != "2.3" {
		return "", false
	}
	vendor := Normalize(parts[3])
	prod := Normalize(parts[4])
	if prod == "" {
		return "", false
	}
	if vendor == "" || vendor == prod {
		return prod, true
	}
	return vendor + " " + prod, true
}
