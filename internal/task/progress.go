package task

import (
	"encoding/json"
	"time"
)

// Progress is the event shape observers receive. Push subscribers and
// polling clients get the exact same fields.
type Progress struct {
	TaskID           string    `json:"taskId"`
	Percentage       int       `json:"percentage"`
	CurrentStepIndex int       `json:"currentStepIndex"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
}

func ProgressOf(t *Task) Progress {
	return Progress{
		TaskID:           t.ID,
		Percentage:       t.Percentage,
		CurrentStepIndex: t.CurrentStepIndex,
		Status:           string(t.Status),
		Timestamp:        time.Now().UTC(),
	}
}

func (p Progress) JSON() string {
	data, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(data)
}
