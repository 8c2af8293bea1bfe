package keywordindex

import (
	"regexp"
	"strings"
	"unicode"
)

var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// Tokenize splits text into lowercase tokens, treating camelCase,
// PascalCase and snake_case identifiers as multiple tokens so that source
// code and prose share one analyzer.
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenRegex.FindAllString(text, -1) {
		for _, t := range splitIdentifier(word) {
			lower := strings.ToLower(t)
			if len(lower) >= 2 {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

func splitIdentifier(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				result = append(result, splitCamelCase(part)...)
			}
		}
		return result
	}
	return splitCamelCase(token)
}

// splitCamelCase splits camelCase/PascalCase/acronym runs, e.g.
// "getUserByID" -> ["get", "User", "By", "ID"].
func splitCamelCase(s string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	var current strings.Builder
	runes := []rune(s)

	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

func buildStopWordMap(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}

// defaultStopWords covers common English and code-filler tokens. Kept
// short deliberately: BM25's own IDF weighting already discounts common
// terms, so this only needs to catch pure noise.
var defaultStopWords = []string{
	"the", "a", "an", "and", "or", "of", "to", "in", "is", "it", "this",
	"that", "for", "on", "with", "as", "are", "be", "was", "were",
}
