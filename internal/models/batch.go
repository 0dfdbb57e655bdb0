package models

import "time"

// RecordTask tracks one hospital row of a batch
type RecordTask struct {
	Row            int        `json:"row"` // 1-based, stable across resume
	Name           string     `json:"name"`
	Address        string     `json:"-"`
	Phone          string     `json:"-"`
	Status         TaskStatus `json:"status"`
	HospitalID     *int64     `json:"hospital_id,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	ProcessingTime *float64   `json:"processing_time,omitempty"` // seconds
}

// Payload returns the create request for this task
func (t RecordTask) Payload() HospitalCreate {
	return HospitalCreate{Name: t.Name, Address: t.Address, Phone: t.Phone}
}

// TaskOutcome is what the dispatcher reports for one finished remote call
type TaskOutcome struct {
	Row        int
	Status     TaskStatus // TaskCreated or TaskFailed
	HospitalID int64
	Error      string
	Elapsed    time.Duration
}

// ProgressSnapshot is a read-only view of a batch and its tasks
type ProgressSnapshot struct {
	BatchID               string       `json:"batch_id"`
	Status                BatchStatus  `json:"status"`
	TotalHospitals        int          `json:"total_hospitals"`
	ProcessedHospitals    int          `json:"processed_hospitals"`
	FailedHospitals       int          `json:"failed_hospitals"`
	ProgressPercentage    float64      `json:"progress_percentage"`
	ProcessingTimeSeconds float64      `json:"processing_time_seconds"`
	CurrentStep           string       `json:"current_step"`
	BatchActivated        bool         `json:"batch_activated"`
	IsCompleted           bool         `json:"is_completed"`
	IsResumable           bool         `json:"is_resumable"`
	ResumeFromRow         int          `json:"resume_from_row,omitempty"`
	FailureReason         string       `json:"failure_reason,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	LastCheckpointAt      *time.Time   `json:"last_checkpoint_at,omitempty"`
	Hospitals             []RecordTask `json:"hospitals"`
}

// SucceededRecord pairs a row with the remote id created for it
type SucceededRecord struct {
	Row        int   `json:"row"`
	HospitalID int64 `json:"hospital_id"`
}

// Checkpoint is the durable state of a batch that can be resumed
type Checkpoint struct {
	BatchID            string            `json:"batch_id"`
	TotalHospitals     int               `json:"total_hospitals"`
	ProcessedHospitals int               `json:"processed_hospitals"`
	FailedHospitals    int               `json:"failed_hospitals"`
	Succeeded          []SucceededRecord `json:"succeeded"`
	FailedRows         []int             `json:"failed_rows"`
	ResumeFromRow      int               `json:"resume_from_row"`
	FailureReason      string            `json:"failure_reason"`
	Records            []HospitalCreate  `json:"records"` // indexed by row-1
	CreatedAt          time.Time         `json:"created_at"`
	LastCheckpointAt   time.Time         `json:"last_checkpoint_at"`
}

// SucceededRows returns the set of rows that must not be re-attempted
func (c *Checkpoint) SucceededRows() map[int]int64 {
	rows := make(map[int]int64, len(c.Succeeded))
	for _, s := range c.Succeeded {
		rows[s.Row] = s.HospitalID
	}
	return rows
}

// Summary projects the checkpoint for the resumable batch listing
func (c *Checkpoint) Summary() CheckpointSummary {
	return CheckpointSummary{
		BatchID:            c.BatchID,
		TotalHospitals:     c.TotalHospitals,
		ProcessedHospitals: c.ProcessedHospitals,
		FailedHospitals:    c.FailedHospitals,
		ResumeFromRow:      c.ResumeFromRow,
		FailureReason:      c.FailureReason,
		LastCheckpointAt:   c.LastCheckpointAt,
	}
}

// CheckpointSummary is one entry of the resumable batch listing
type CheckpointSummary struct {
	BatchID            string    `json:"batch_id"`
	TotalHospitals     int       `json:"total_hospitals"`
	ProcessedHospitals int       `json:"processed_hospitals"`
	FailedHospitals    int       `json:"failed_hospitals"`
	ResumeFromRow      int       `json:"resume_from_row"`
	FailureReason      string    `json:"failure_reason"`
	LastCheckpointAt   time.Time `json:"last_checkpoint_at"`
}
