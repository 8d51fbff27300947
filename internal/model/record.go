package model

type FieldKind string

const (
	FieldKindText FieldKind = "text"
	FieldKindList FieldKind = "list"
)

// Field is one typed cell of a source row.
type Field struct {
	Kind FieldKind `json:"kind"`
	Text string    `json:"text,omitempty"`
	List []string  `json:"list,omitempty"`
}

func TextField(value string) Field {
	return Field{Kind: FieldKindText, Text: value}
}

func ListField(values ...string) Field {
	return Field{Kind: FieldKindList, List: values}
}

// Record is a validated source row keyed by its natural key.
type Record struct {
	Key    string
	Offset int64
	Fields map[string]Field
}
