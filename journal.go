package treecrypt

import "time"

// RunRecord summarises a run for the journal. It never carries secrets.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Op        string    `json:"op"`
	Root      string    `json:"root"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitempty"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Status    string    `json:"status"`
}

// Journal persists run history. Begin is called before any file is
// touched and Finish once the run has ended, successfully or not.
type Journal interface {
	Begin(rec RunRecord) error
	Finish(rec RunRecord) error
}
