package audit

import "time"

// Kind is the closed set of audit entry kinds. Unknown kinds are rejected
// at the boundary so downstream consumers can rely on the set.
type Kind string

const (
	KindNote           Kind = "note"
	KindProgressUpdate Kind = "progress_update"
	KindStatusChange   Kind = "status_change"
	KindApproval       Kind = "approval"
	KindError          Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case KindNote, KindProgressUpdate, KindStatusChange, KindApproval, KindError:
		return true
	}
	return false
}

type Entry struct {
	ID        string            `yaml:"id"`
	TaskID    string            `yaml:"task_id"`
	Kind      Kind              `yaml:"kind"`
	Message   string            `yaml:"message"`
	Author    string            `yaml:"author,omitempty"`
	Metadata  map[string]string `yaml:"metadata,omitempty"`
	CreatedAt time.Time         `yaml:"created_at"`
}
