package source

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/xxxsen/glossary-ingest/internal/hasher"
	"github.com/xxxsen/glossary-ingest/internal/model"
	appErr "github.com/xxxsen/glossary-ingest/internal/pkg/errors"
)

const DefaultKeyColumn = "Term"

// Schema describes how raw rows map onto records.
type Schema struct {
	KeyColumn     string
	ListColumns   []string
	IgnoreColumns []string
}

func DefaultSchema() Schema {
	return Schema{KeyColumn: DefaultKeyColumn}
}

type compiledSchema struct {
	key    string
	lists  map[string]bool
	ignore map[string]bool
}

func (s Schema) compile() compiledSchema {
	key := normalizeHeader(s.KeyColumn)
	if key == "" {
		key = DefaultKeyColumn
	}
	c := compiledSchema{key: key, lists: map[string]bool{}, ignore: map[string]bool{}}
	for _, name := range s.ListColumns {
		c.lists[normalizeHeader(name)] = true
	}
	for _, name := range s.IgnoreColumns {
		c.ignore[normalizeHeader(name)] = true
	}
	return c
}

// toRecord validates one decoded row. Cells may be strings (CSV) or any
// JSON value (JSON Lines); they are converted to typed fields here and
// nowhere else.
func (c compiledSchema) toRecord(offset int64, row map[string]interface{}) (model.Record, error) {
	rawKey, ok := row[c.key]
	if !ok || rawKey == nil {
		return model.Record{}, malformed(offset, "missing key column %q", c.key)
	}
	key, err := cast.ToStringE(rawKey)
	if err != nil {
		return model.Record{}, malformed(offset, "key column %q: %v", c.key, err)
	}
	key = hasher.NormalizeKey(key)
	if key == "" {
		return model.Record{}, malformed(offset, "empty key")
	}
	rec := model.Record{Key: key, Offset: offset, Fields: make(map[string]model.Field, len(row))}
	for name, value := range row {
		if name == c.key || c.ignore[name] || value == nil {
			continue
		}
		field, err := c.toField(name, value)
		if err != nil {
			return model.Record{}, malformed(offset, "column %q: %v", name, err)
		}
		rec.Fields[name] = field
	}
	return rec, nil
}

func (c compiledSchema) toField(name string, value interface{}) (model.Field, error) {
	switch v := value.(type) {
	case []interface{}:
		items, err := cast.ToStringSliceE(v)
		if err != nil {
			return model.Field{}, err
		}
		return model.ListField(items...), nil
	case map[string]interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return model.Field{}, err
		}
		return model.TextField(string(data)), nil
	}
	text, err := cast.ToStringE(value)
	if err != nil {
		return model.Field{}, err
	}
	if c.lists[name] {
		return model.ListField(splitList(text)...), nil
	}
	return model.TextField(text), nil
}

func splitList(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';'
	})
}

func normalizeHeader(name string) string {
	name = strings.TrimPrefix(name, "\ufeff")
	return strings.Join(strings.Fields(name), " ")
}

// RowError reports a row that was read but failed validation. It wraps
// ErrMalformedRow.
type RowError struct {
	Offset int64
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("malformed row at offset %d: %s", e.Offset, e.Reason)
}

func (e *RowError) Unwrap() error {
	return appErr.ErrMalformedRow
}

func malformed(offset int64, format string, args ...interface{}) error {
	return &RowError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}
