package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"petavatar/internal/jobs"
	"petavatar/internal/services"
	"petavatar/internal/uploads"
)

// IntakeService and ReaderService are the slices of the service layer
// the handlers call through, kept as interfaces so tests can fake them.
type IntakeService interface {
	Submit(ctx context.Context, inputRef string) (uuid.UUID, error)
}

type ReaderService interface {
	GetStatus(ctx context.Context, id uuid.UUID) (*services.StatusView, error)
	GetResult(ctx context.Context, id uuid.UUID) (*services.ResultView, error)
}

// jobErrorStatus maps the failure taxonomy onto HTTP statuses for
// request-time errors.
func jobErrorStatus(kind jobs.ErrorKind) int {
	switch kind {
	case jobs.KindValidation:
		return fiber.StatusBadRequest
	case jobs.KindAuth:
		return fiber.StatusUnauthorized
	case jobs.KindNotFound:
		return fiber.StatusNotFound
	case jobs.KindNotReady:
		return fiber.StatusTooEarly
	case jobs.KindEnqueue:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func respondJobError(c *fiber.Ctx, err error) error {
	var jerr jobs.Error
	if errors.As(err, &jerr) {
		return c.Status(jobErrorStatus(jerr.Kind)).JSON(ErrorResponse{
			Success: false,
			Code:    string(jerr.Kind),
			Error:   jerr.Message,
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Success: false,
		Code:    "INTERNAL_ERROR",
		Error:   "internal error",
	})
}

// presignedURLHandler issues a time-limited upload slot. No job record
// is created here; the returned job id is only bound to the object key.
func presignedURLHandler(c *fiber.Ctx) error {
	broker := c.Locals("broker").(uploads.Broker)

	slot, err := broker.IssueUploadSlot(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "UPLOAD_SLOT_FAILED",
			Error:   "could not issue upload credential",
		})
	}

	return c.JSON(PresignedURLResponse{
		JobID:        slot.JobID.String(),
		UploadURL:    slot.UploadURL,
		UploadFields: slot.Fields,
		ExpiresIn:    slot.ExpiresIn,
	})
}

// processHandler validates the uploaded object reference and starts the
// avatar pipeline for it.
func processHandler(c *fiber.Ctx) error {
	intake := c.Locals("intake").(IntakeService)

	var req ProcessRequest
	if err := c.BodyParser(&req); err != nil || req.ObjectRef == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    string(jobs.KindValidation),
			Error:   "missing object_ref parameter",
		})
	}

	jobID, err := intake.Submit(c.Context(), req.ObjectRef)
	if err != nil {
		return respondJobError(c, err)
	}

	return c.JSON(ProcessResponse{
		JobID:   jobID.String(),
		Status:  string(jobs.StateQueued),
		Message: "Processing initiated",
	})
}

// objectCreatedHandler accepts S3-style bucket notifications so an upload
// alone can start the pipeline, with no separate /process call. Object
// keys arrive URL-encoded. Submission is idempotent, so a notification
// racing a client /process for the same object is harmless.
func objectCreatedHandler(c *fiber.Ctx) error {
	intake := c.Locals("intake").(IntakeService)
	logger, _ := c.Locals("logger").(*slog.Logger)

	var event ObjectCreatedEvent
	if err := c.BodyParser(&event); err != nil || len(event.Records) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    string(jobs.KindValidation),
			Error:   "missing event records",
		})
	}

	jobIDs := make([]string, 0, len(event.Records))
	for _, record := range event.Records {
		if !strings.Contains(record.EventName, "ObjectCreated") {
			continue
		}
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil || record.S3.Bucket.Name == "" || key == "" {
			continue
		}

		ref := fmt.Sprintf("s3://%s/%s", record.S3.Bucket.Name, key)
		jobID, err := intake.Submit(c.Context(), ref)
		if err != nil {
			var jerr jobs.Error
			if errors.As(err, &jerr) && jerr.Kind == jobs.KindEnqueue {
				// Transient: bounce the whole batch so the notifier
				// redelivers it.
				return respondJobError(c, err)
			}
			// A reference the intake rejects outright will never become
			// valid; skip it rather than wedging the notification queue.
			if logger != nil {
				logger.Warn("event_submit_rejected", "ref", ref, "error", err)
			}
			continue
		}
		jobIDs = append(jobIDs, jobID.String())
	}

	return c.JSON(EventResponse{Success: true, JobIDs: jobIDs})
}

// statusHandler reports state and progress for one job. Job ids are
// opaque, so an unparseable id is indistinguishable from an unknown one.
func statusHandler(c *fiber.Ctx) error {
	readers := c.Locals("readers").(ReaderService)

	jobID, err := uuid.Parse(c.Params("job_id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    string(jobs.KindNotFound),
			Error:   "job not found",
		})
	}

	view, err := readers.GetStatus(c.Context(), jobID)
	if err != nil {
		return respondJobError(c, err)
	}

	return c.JSON(StatusResponse{
		JobID:    view.JobID.String(),
		Status:   string(view.State),
		Progress: view.Progress,
	})
}

// resultsHandler returns the identity package for a completed job, or
// the recorded failure for a failed one.
func resultsHandler(c *fiber.Ctx) error {
	readers := c.Locals("readers").(ReaderService)

	jobID, err := uuid.Parse(c.Params("job_id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    string(jobs.KindNotFound),
			Error:   "job not found",
		})
	}

	view, err := readers.GetResult(c.Context(), jobID)
	if err != nil {
		return respondJobError(c, err)
	}

	resp := ResultResponse{
		JobID:  view.JobID.String(),
		Status: string(view.State),
	}
	if view.Generation != nil {
		resp.ArtifactURL = view.ArtifactURL
		resp.Identity = &view.Generation.Identity
		resp.PetAnalysis = &view.Generation.PetAnalysis
	}
	if view.Error != nil {
		resp.Error = view.Error
	}

	return c.JSON(resp)
}
