package installer

import (
	"time"

	"github.com/google/uuid"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/fsatomic"
)

// JournalPath is where the journal lands inside the installed system.
const JournalPath = "/var/log/zfs-installer.journal.json"

type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepOK      StepStatus = "ok"
	StepError   StepStatus = "error"
)

type JournalStep struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
	Err        string     `json:"err,omitempty"`
}

// Journal records one run: every stage with its timing, warnings and
// outcome. The plan is kept without secrets.
type Journal struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Plan       config.Plan   `json:"plan"`
	Steps      []JournalStep `json:"steps"`
	Stage      string        `json:"stage"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`

	now func() time.Time
}

func NewJournal(p config.Plan) *Journal {
	j := &Journal{ID: uuid.NewString(), Plan: p.Redacted(), now: time.Now}
	j.StartedAt = j.now()
	j.Steps = []JournalStep{}
	return j
}

func (j *Journal) begin(name string) {
	j.Steps = append(j.Steps, JournalStep{Name: name, Status: StepRunning, StartedAt: j.now()})
}

func (j *Journal) current() *JournalStep {
	if len(j.Steps) == 0 {
		return nil
	}
	return &j.Steps[len(j.Steps)-1]
}

func (j *Journal) warn(msg string) {
	if s := j.current(); s != nil {
		s.Warnings = append(s.Warnings, msg)
	}
}

func (j *Journal) end(err error) {
	s := j.current()
	if s == nil {
		return
	}
	t := j.now()
	s.FinishedAt = &t
	s.Status = StepOK
	if err != nil {
		s.Status = StepError
		s.Err = err.Error()
	}
}

func (j *Journal) finish(stage Stage, err error) {
	t := j.now()
	j.FinishedAt = &t
	j.Stage = stage.String()
	j.OK = err == nil && stage == StageFinalized
	if err != nil {
		j.Error = err.Error()
	}
}

// closed returns a copy with the running step ended successfully and the
// run marked as having reached stage. The original keeps recording.
func (j *Journal) closed(stage Stage) *Journal {
	c := *j
	c.Steps = make([]JournalStep, len(j.Steps))
	for i, s := range j.Steps {
		s.Warnings = append([]string(nil), s.Warnings...)
		c.Steps[i] = s
	}
	if s := c.current(); s != nil && s.Status == StepRunning {
		c.end(nil)
	}
	c.finish(stage, nil)
	return &c
}

// Save writes the journal atomically.
func (j *Journal) Save(path string) error {
	return fsatomic.SaveJSON(path, j, 0o600)
}
