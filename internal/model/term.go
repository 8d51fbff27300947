package model

type Term struct {
	Name            string   `json:"name"`
	Definition      string   `json:"definition"`
	DefinitionHTML  string   `json:"definition_html"`
	ShortDefinition string   `json:"short_definition"`
	Category        string   `json:"category"`
	Subcategories   []string `json:"subcategories"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

type TermEmbedding struct {
	TermName  string
	Model     string
	Embedding []float32
	UpdatedAt int64
}
