/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/routewatch/schedule-engine/engine"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// JobDTO mirrors engine.JobRecord with a string visit date.
type JobDTO struct {
	ID             string   `json:"id"`
	StoreID        string   `json:"store_id"`
	StoreName      string   `json:"store_name"`
	Address        string   `json:"address"`
	VisitDate      string   `json:"visit_date"` // YYYY-MM-DD
	VisitTime      string   `json:"visit_time"`
	DispenserCount int      `json:"dispenser_count"`
	ServiceList    []string `json:"service_list"`
	Instructions   string   `json:"instructions,omitempty"`
}

// IngestSnapshotRequest is the capture payload. CapturedAt defaults to the
// server clock when omitted.
type IngestSnapshotRequest struct {
	CapturedAt *time.Time `json:"captured_at,omitempty"`
	Jobs       []JobDTO   `json:"jobs"`
}

// PreferencesDTO mirrors engine.Preferences.
type PreferencesDTO struct {
	Cadence        string   `json:"cadence"`
	MutedStoreIDs  []string `json:"muted_store_ids,omitempty"`
	ServiceKeyword string   `json:"service_keyword,omitempty"`
}

// AppendCompletedRequest records fulfilled job ids into the ledger.
type AppendCompletedRequest struct {
	JobIDs []string `json:"job_ids"`
}

// CycleResultDTO is the response of a manual trigger.
type CycleResultDTO struct {
	CycleID  string                  `json:"cycle_id"`
	UserID   string                  `json:"user_id"`
	Source   string                  `json:"source"`
	Summary  engine.Summary          `json:"summary"`
	Records  []ChangeRecordDTO       `json:"records"`
	Channels []engine.ChannelOutcome `json:"channels"`
}

// ChangeRecordDTO flattens the ChangeRecord sum type for clients: kind
// plus the fields relevant to that kind.
type ChangeRecordDTO struct {
	Kind string `json:"kind"`

	Job *JobDTO `json:"job,omitempty"` // added / removed

	JobID   string `json:"job_id,omitempty"` // date_changed
	OldDate string `json:"old_date,omitempty"`
	NewDate string `json:"new_date,omitempty"`

	JobAID   string `json:"job_a_id,omitempty"` // swapped
	JobBID   string `json:"job_b_id,omitempty"`
	OldDateA string `json:"old_date_a,omitempty"`
	NewDateA string `json:"new_date_a,omitempty"`
	OldDateB string `json:"old_date_b,omitempty"`
	NewDateB string `json:"new_date_b,omitempty"`

	OldJob     *JobDTO `json:"old_job,omitempty"` // replaced
	NewJob     *JobDTO `json:"new_job,omitempty"`
	SharedDate string  `json:"shared_date,omitempty"`
}

// DigestQueueDTO is the read-only pending-queue view.
type DigestQueueDTO struct {
	UserID  string         `json:"user_id"`
	Pending []ChangeSetDTO `json:"pending"`
}

// ChangeSetDTO is one queued change set.
type ChangeSetDTO struct {
	ID          string            `json:"id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Summary     engine.Summary    `json:"summary"`
	Records     []ChangeRecordDTO `json:"records"`
}

// CycleRunDTO is one audit-log entry.
type CycleRunDTO struct {
	ID         string                  `json:"id"`
	Source     string                  `json:"source"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Summary    engine.Summary          `json:"summary"`
	Outcomes   []engine.ChannelOutcome `json:"outcomes"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toJobDTO(job engine.JobRecord) *JobDTO {
	return &JobDTO{
		ID:             job.ID,
		StoreID:        job.StoreID,
		StoreName:      job.StoreName,
		Address:        job.Address,
		VisitDate:      job.VisitDate.String(),
		VisitTime:      job.VisitTime,
		DispenserCount: job.DispenserCount,
		ServiceList:    job.ServiceList,
		Instructions:   job.Instructions,
	}
}

func toChangeRecordDTO(rec engine.ChangeRecord) ChangeRecordDTO {
	dto := ChangeRecordDTO{Kind: string(rec.Kind())}
	switch r := rec.(type) {
	case engine.Added:
		dto.Job = toJobDTO(r.Job)
	case engine.Removed:
		dto.Job = toJobDTO(r.Job)
	case engine.DateChanged:
		dto.JobID = r.JobID
		dto.OldDate = r.OldDate.String()
		dto.NewDate = r.NewDate.String()
	case engine.Swapped:
		dto.JobAID = r.JobAID
		dto.JobBID = r.JobBID
		dto.OldDateA = r.OldDateA.String()
		dto.NewDateA = r.NewDateA.String()
		dto.OldDateB = r.OldDateB.String()
		dto.NewDateB = r.NewDateB.String()
	case engine.Replaced:
		dto.OldJob = toJobDTO(r.OldJob)
		dto.NewJob = toJobDTO(r.NewJob)
		dto.SharedDate = r.SharedDate.String()
	}
	return dto
}

func toChangeSetDTO(cs *engine.ChangeSet) ChangeSetDTO {
	dto := ChangeSetDTO{
		ID:          cs.ID,
		GeneratedAt: cs.GeneratedAt,
		Summary:     cs.Summary,
		Records:     make([]ChangeRecordDTO, 0, len(cs.Records)),
	}
	for _, rec := range cs.Records {
		dto.Records = append(dto.Records, toChangeRecordDTO(rec))
	}
	return dto
}

func toCycleResultDTO(result *engine.CycleResult) CycleResultDTO {
	dto := CycleResultDTO{
		CycleID:  result.CycleID,
		UserID:   result.UserID,
		Source:   string(result.Source),
		Records:  []ChangeRecordDTO{},
		Channels: result.Channels,
	}
	if result.ChangeSet != nil {
		dto.Summary = result.ChangeSet.Summary
		for _, rec := range result.ChangeSet.Records {
			dto.Records = append(dto.Records, toChangeRecordDTO(rec))
		}
	}
	return dto
}
