package bridge

import (
	"regexp"
	"strings"
)

// Rule-based abstraction: strip concrete identifiers out of decision text
// so the resulting structure/function generalizes across domains.

var (
	pathPattern   = regexp.MustCompile(`(?:[\w.-]*/)+[\w.-]+|\b[\w-]+\.(?:go|py|ts|js|rs|java|yaml|yml|json|toml|sql|md|txt|sh)\b`)
	camelPattern  = regexp.MustCompile(`\b[a-z]+(?:[A-Z][a-z0-9]*)+\b|\b(?:[A-Z][a-z0-9]+){2,}\b`)
	numberPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?%?`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// verbGeneralizations maps concrete action verbs to their generic form.
var verbGeneralizations = map[string]string{
	"implemented": "adopted",
	"implement":   "adopt",
	"built":       "created",
	"build":       "create",
	"wrote":       "created",
	"write":       "create",
	"migrated":    "transitioned",
	"migrate":     "transition",
	"switched":    "transitioned",
	"switch":      "transition",
	"picked":      "selected",
	"pick":        "select",
	"chose":       "selected",
	"choose":      "select",
	"deployed":    "released",
	"deploy":      "release",
	"refactored":  "restructured",
	"refactor":    "restructure",
	"installed":   "adopted",
	"install":     "adopt",
	"upgraded":    "updated",
	"upgrade":     "update",
}

// Abstract rewrites concrete text into a domain-neutral form: file paths
// and CamelCase identifiers become generic placeholders, numbers become N,
// and concrete verbs are generalized.
func Abstract(text string) string {
	s := pathPattern.ReplaceAllString(text, "a file")
	s = camelPattern.ReplaceAllString(s, "a component")
	s = numberPattern.ReplaceAllString(s, "N")

	words := strings.Fields(s)
	for i, w := range words {
		trimmed := strings.ToLower(strings.Trim(w, ".,;:!?"))
		if g, ok := verbGeneralizations[trimmed]; ok {
			words[i] = strings.Replace(w, strings.Trim(w, ".,;:!?"), g, 1)
		}
	}
	return spacePattern.ReplaceAllString(strings.Join(words, " "), " ")
}
