package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

// runDTO is the wire shape for a run; internal zero values become omitted
// fields rather than leaking empty strings to operators.
type runDTO struct {
	ID                uuid.UUID  `json:"id"`
	BrandID           uuid.UUID  `json:"brand_id"`
	Platform          string     `json:"platform"`
	Status            string     `json:"status"`
	TotalItems        int        `json:"total_items"`
	LastURL           string     `json:"last_url,omitempty"`
	LastStage         string     `json:"last_stage,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	BlockReason       string     `json:"block_reason,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type itemDTO struct {
	ID          uuid.UUID  `json:"id"`
	RunID       uuid.UUID  `json:"run_id"`
	URL         string     `json:"url"`
	ExternalID  string     `json:"external_id,omitempty"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastStage   string     `json:"last_stage,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toRunDTO(run catalog.Run) runDTO {
	return runDTO{
		ID:                run.ID,
		BrandID:           run.BrandID,
		Platform:          string(run.Platform),
		Status:            string(run.Status),
		TotalItems:        run.TotalItems,
		LastURL:           run.LastURL,
		LastStage:         run.LastStage,
		LastError:         run.LastError,
		BlockReason:       run.BlockReason,
		ConsecutiveErrors: run.ConsecutiveErrors,
		StartedAt:         run.StartedAt,
		FinishedAt:        run.FinishedAt,
		UpdatedAt:         run.UpdatedAt,
	}
}

func toRunDTOs(runs []catalog.Run) []runDTO {
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toItemDTOs(items []catalog.Item) []itemDTO {
	out := make([]itemDTO, 0, len(items))
	for _, item := range items {
		out = append(out, itemDTO{
			ID:          item.ID,
			RunID:       item.RunID,
			URL:         item.URL,
			ExternalID:  item.ExternalID,
			Status:      string(item.Status),
			Attempts:    item.Attempts,
			StartedAt:   item.StartedAt,
			CompletedAt: item.CompletedAt,
			LastError:   item.LastError,
			LastStage:   item.LastStage,
			UpdatedAt:   item.UpdatedAt,
		})
	}
	return out
}
