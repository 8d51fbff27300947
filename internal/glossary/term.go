// Package glossary maps ingested records onto glossary terms. Column names
// follow the "Section – Subsection" layout of the glossary exports.
package glossary

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/xxxsen/glossary-ingest/internal/hasher"
	"github.com/xxxsen/glossary-ingest/internal/model"
)

const (
	maxDefinitionRunes      = 500
	maxShortDefinitionRunes = 200
	maxCategoryRunes        = 100
)

var (
	mainCategoryRegex = regexp.MustCompile(`(?i)main category:\s*([^;,\n]+)`)
	categoryOfRegex   = regexp.MustCompile(`(?i)(?:main )?category of\s+([^,\n.]+)`)
	subCategoryRegex  = regexp.MustCompile(`(?i)sub-category:\s*([^;,\n]+)`)
	trailingRegex     = regexp.MustCompile(`(?i)\s+(within|in|and|or)\s+.*$`)
)

// SplitColumn splits "Introduction – Definition and Overview" into its
// section and subsection. Both en dash and hyphen separators are accepted.
func SplitColumn(name string) (string, string) {
	for _, sep := range []string{" – ", " - ", "–"} {
		if section, sub, ok := strings.Cut(name, sep); ok {
			return strings.TrimSpace(section), strings.TrimSpace(sub)
		}
	}
	return strings.TrimSpace(name), ""
}

// ToTerm derives the summary columns of a term from a normalized record.
// DefinitionHTML is left for the caller to render.
func ToTerm(rec model.Record) model.Term {
	term := model.Term{Name: rec.Key, Subcategories: []string{}}
	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		section, sub := SplitColumn(name)
		field := rec.Fields[name]
		lowerSub := strings.ToLower(sub)
		lowerSection := strings.ToLower(section)
		switch {
		case term.Definition == "" && strings.Contains(lowerSub, "definition"):
			term.Definition = truncate(fieldText(field), maxDefinitionRunes)
		case term.Category == "" && strings.Contains(lowerSub, "main category"):
			term.Category = extractCategory(fieldText(field))
		case strings.Contains(lowerSub, "sub-category"):
			term.Subcategories = append(term.Subcategories, extractSubcategories(field)...)
		case term.Definition == "" && sub == "" && lowerSection == "definition":
			term.Definition = truncate(fieldText(field), maxDefinitionRunes)
		}
	}
	if term.Definition == "" {
		// fall back to the first substantial cell
		for _, name := range names {
			if text := fieldText(rec.Fields[name]); utf8.RuneCountInString(text) > 50 {
				term.Definition = truncate(text, maxDefinitionRunes)
				break
			}
		}
	}
	term.ShortDefinition = truncate(term.Definition, maxShortDefinitionRunes)
	term.Subcategories = hasher.NormalizeList(term.Subcategories)
	return term
}

func fieldText(f model.Field) string {
	if f.Kind == model.FieldKindList {
		return strings.Join(f.List, ", ")
	}
	return f.Text
}

func extractCategory(text string) string {
	if m := mainCategoryRegex.FindStringSubmatch(text); m != nil {
		return cleanCategory(m[1])
	}
	if m := categoryOfRegex.FindStringSubmatch(text); m != nil {
		return cleanCategory(trailingRegex.ReplaceAllString(m[1], ""))
	}
	if !strings.ContainsAny(text, ".\n") {
		return cleanCategory(text)
	}
	return ""
}

func extractSubcategories(f model.Field) []string {
	if f.Kind == model.FieldKindList {
		return f.List
	}
	if m := subCategoryRegex.FindStringSubmatch(f.Text); m != nil {
		return []string{cleanCategory(m[1])}
	}
	if strings.ContainsAny(f.Text, ".\n") {
		return nil
	}
	var out []string
	for _, item := range strings.FieldsFunc(f.Text, func(r rune) bool { return r == ',' || r == ';' }) {
		out = append(out, cleanCategory(item))
	}
	return out
}

func cleanCategory(name string) string {
	return truncate(strings.TrimSpace(name), maxCategoryRunes)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}
