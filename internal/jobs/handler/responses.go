package handler

import "studio/internal/jobs/models"

type JobListResponse struct {
	Jobs  []models.Job          `json:"jobs"`
	Stats map[models.Status]int `json:"stats"`
	Total int                   `json:"total"`
}

type ClearResponse struct {
	Removed int `json:"removed"`
}

func toJobListResponse(jobs []models.Job, stats map[models.Status]int) *JobListResponse {
	if jobs == nil {
		jobs = []models.Job{}
	}
	return &JobListResponse{Jobs: jobs, Stats: stats, Total: len(jobs)}
}
