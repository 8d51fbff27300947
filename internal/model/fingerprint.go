package model

type Fingerprint struct {
	NaturalKey    string
	OverallHash   string
	FieldHashes   map[string]string
	HashVersion   int
	LastCheckedAt int64
	UpdatedAt     int64
}
