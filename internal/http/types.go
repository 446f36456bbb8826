package http

import (
	"petavatar/internal/jobs"
	"petavatar/internal/model"
)

// ErrorResponse is the error envelope for every endpoint. Code carries
// the stable error-kind string from the failure taxonomy.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
}

// PresignedURLResponse is the payload for GET /presigned-url. The job id
// is bound to the upload key; no job record exists yet.
type PresignedURLResponse struct {
	JobID        string            `json:"job_id"`
	UploadURL    string            `json:"upload_url"`
	UploadFields map[string]string `json:"upload_fields"`
	ExpiresIn    int               `json:"expires_in"`
}

// ProcessRequest is the payload for POST /process.
type ProcessRequest struct {
	ObjectRef string `json:"object_ref"`
}

type ProcessResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type StatusResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// ObjectCreatedEvent is the S3-style bucket notification payload accepted
// by POST /events/object-created. Only the fields intake needs are
// decoded; everything else in the notification is ignored.
type ObjectCreatedEvent struct {
	Records []ObjectCreatedRecord `json:"Records"`
}

type ObjectCreatedRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

type EventResponse struct {
	Success bool     `json:"success"`
	JobIDs  []string `json:"job_ids"`
}

// ResultResponse is the payload for GET /results/:job_id once a job is
// terminal. ArtifactURL/Identity/PetAnalysis are set for completed jobs,
// Error for failed ones.
type ResultResponse struct {
	JobID       string             `json:"job_id"`
	Status      string             `json:"status"`
	ArtifactURL string             `json:"artifact_url,omitempty"`
	Identity    *model.Identity    `json:"identity,omitempty"`
	PetAnalysis *model.PetAnalysis `json:"pet_analysis,omitempty"`
	Error       *jobs.Error        `json:"error,omitempty"`
}
