// Package hasher fingerprints records so that re-imports of unchanged rows
// can be detected without comparing full field values.
//
// Normalization, version 1:
//   - text: CRLF and CR become LF, surrounding whitespace is trimmed and runs
//     of spaces or tabs inside a line collapse to one space;
//   - list: items are normalized as text, empty items dropped, duplicates
//     removed and the rest sorted, so item order is not a change;
//   - a field whose normalized value is empty is treated as absent.
//
// Any change to these rules must bump Version. Stored fingerprints carrying
// another version are re-classified as modified on the next run.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xxxsen/glossary-ingest/internal/model"
)

const Version = 1

var (
	inlineSpaceRegex = regexp.MustCompile(`[ \t]+`)
	lineEndReplacer  = strings.NewReplacer("\r\n", "\n", "\r", "\n")
)

// NormalizeKey trims a natural key and collapses internal whitespace.
// Case is preserved.
func NormalizeKey(key string) string {
	return strings.Join(strings.Fields(key), " ")
}

func NormalizeText(value string) string {
	value = lineEndReplacer.Replace(value)
	lines := strings.Split(value, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpaceRegex.ReplaceAllString(line, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func NormalizeList(values []string) []string {
	seen := make(map[string]bool, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		normalized := NormalizeText(value)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		result = append(result, normalized)
	}
	sort.Strings(result)
	return result
}

// NormalizeField returns the canonical form of f and false when the field is
// empty after normalization.
func NormalizeField(f model.Field) (model.Field, bool) {
	switch f.Kind {
	case model.FieldKindList:
		list := NormalizeList(f.List)
		if len(list) == 0 {
			return model.Field{}, false
		}
		return model.Field{Kind: model.FieldKindList, List: list}, true
	default:
		text := NormalizeText(f.Text)
		if text == "" {
			return model.Field{}, false
		}
		return model.Field{Kind: model.FieldKindText, Text: text}, true
	}
}

// Normalize returns a copy of rec with a normalized key and only the
// non-empty, normalized fields.
func Normalize(rec model.Record) model.Record {
	out := model.Record{
		Key:    NormalizeKey(rec.Key),
		Offset: rec.Offset,
		Fields: make(map[string]model.Field, len(rec.Fields)),
	}
	for name, field := range rec.Fields {
		if normalized, ok := NormalizeField(field); ok {
			out.Fields[name] = normalized
		}
	}
	return out
}

// Hash returns the overall fingerprint of rec and the fingerprint of every
// populated field.
func Hash(rec model.Record) (string, map[string]string) {
	normalized := Normalize(rec)
	fields := make(map[string]string, len(normalized.Fields))
	names := make([]string, 0, len(normalized.Fields))
	for name, field := range normalized.Fields {
		fields[name] = hashField(field)
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(versionPrefix() + normalized.Key))
	for _, name := range names {
		h.Write([]byte("\n" + name + "=" + fields[name]))
	}
	return hex.EncodeToString(h.Sum(nil)), fields
}

func hashField(f model.Field) string {
	var payload []byte
	if f.Kind == model.FieldKindList {
		payload, _ = json.Marshal(f.List)
	} else {
		payload, _ = json.Marshal(f.Text)
	}
	sum := sha256.Sum256([]byte(versionPrefix() + string(f.Kind) + "|" + string(payload)))
	return hex.EncodeToString(sum[:])
}

func versionPrefix() string {
	return "v" + strconv.Itoa(Version) + "|"
}
