package model

type ChangeKind string

const (
	ChangeNew       ChangeKind = "new"
	ChangeModified  ChangeKind = "modified"
	ChangeUnchanged ChangeKind = "unchanged"
)

type Classification struct {
	Record        Record
	Kind          ChangeKind
	ChangedFields []string
	RemovedFields []string
	OverallHash   string
	FieldHashes   map[string]string
}
