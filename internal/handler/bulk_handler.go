package handler

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/jengzang/hospital-bulk-go/internal/csvimport"
	"github.com/jengzang/hospital-bulk-go/internal/hospitalapi"
	"github.com/jengzang/hospital-bulk-go/internal/models"
	"github.com/jengzang/hospital-bulk-go/internal/service"
	"github.com/jengzang/hospital-bulk-go/pkg/response"
)

// MaxUploadBytes caps the size of an uploaded CSV file
const MaxUploadBytes = 1 << 20

// BulkHandler handles HTTP requests for bulk hospital processing
type BulkHandler struct {
	service       *service.BulkService
	maxRecords    int
	defaultMaxAge time.Duration
}

// NewBulkHandler creates a new bulk handler
func NewBulkHandler(service *service.BulkService, maxRecords int, defaultMaxAge time.Duration) *BulkHandler {
	return &BulkHandler{
		service:       service,
		maxRecords:    maxRecords,
		defaultMaxAge: defaultMaxAge,
	}
}

// BulkCreate processes an uploaded CSV file. With async=true it answers 202
// right away and the batch continues in the background.
// POST /hospitals/bulk
func (h *BulkHandler) BulkCreate(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "A CSV file is required in the \"file\" field")
		return
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".csv") {
		response.BadRequest(c, "File must be a CSV")
		return
	}
	if file.Size > MaxUploadBytes {
		response.BadRequest(c, fmt.Sprintf("File is too large (max %d bytes)", MaxUploadBytes))
		return
	}

	f, err := file.Open()
	if err != nil {
		response.InternalError(c, "Failed to read uploaded file")
		return
	}
	defer f.Close()

	records, err := csvimport.Parse(f, h.maxRecords)
	if err != nil {
		writeError(c, err)
		return
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		snap, err := h.service.SubmitAsync(records)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Accepted(c, "Batch accepted for processing", snap)
		return
	}

	snap, err := h.service.Submit(c.Request.Context(), records)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, snap)
}

// GetProgress returns the progress snapshot of a batch
// GET /hospitals/bulk/progress/:batch_id
func (h *BulkHandler) GetProgress(c *gin.Context) {
	snap, err := h.service.Progress(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, snap)
}

// ListResumable lists every batch that can be resumed
// GET /hospitals/bulk/resumable
func (h *BulkHandler) ListResumable(c *gin.Context) {
	summaries, err := h.service.ListResumable(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"resumable_batches": summaries,
		"total":             len(summaries),
	})
}

// Resume retries the failed rows of a resumable batch
// POST /hospitals/bulk/resume/:batch_id
func (h *BulkHandler) Resume(c *gin.Context) {
	snap, err := h.service.Resume(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, snap)
}

// Abandon drops the checkpoint of a resumable batch
// DELETE /hospitals/bulk/resumable/:batch_id
func (h *BulkHandler) Abandon(c *gin.Context) {
	batchID := c.Param("batch_id")
	if err := h.service.Abandon(c.Request.Context(), batchID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"batch_id": batchID,
		"status":   models.BatchAbandoned,
	})
}

// Cleanup removes finished batches older than max_age_hours from memory
// DELETE /hospitals/bulk/progress
func (h *BulkHandler) Cleanup(c *gin.Context) {
	maxAge := h.defaultMaxAge
	if raw := c.Query("max_age_hours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil || hours < 0 {
			response.BadRequest(c, "max_age_hours must be a non-negative number")
			return
		}
		maxAge = time.Duration(hours * float64(time.Hour))
	}

	removed := h.service.Cleanup(maxAge)
	response.Success(c, gin.H{
		"removed":       removed,
		"max_age_hours": maxAge.Hours(),
	})
}

// GetBatchHospitals reads the hospitals of a batch from the directory service
// GET /hospitals/batch/:batch_id
func (h *BulkHandler) GetBatchHospitals(c *gin.Context) {
	hospitals, err := h.service.GetBatchHospitals(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, hospitals)
}

func writeError(c *gin.Context, err error) {
	var remote *hospitalapi.RemoteError
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		response.BadRequest(c, err.Error())
	case errors.Is(err, models.ErrUnknownBatch):
		response.NotFound(c, err.Error())
	case errors.Is(err, models.ErrNotResumable), errors.Is(err, models.ErrInvalidTransition):
		response.Conflict(c, err.Error())
	case errors.As(err, &remote):
		response.BadGateway(c, err.Error())
	default:
		log.WithError(err).WithField("path", c.Request.URL.Path).Error("Request failed")
		_ = c.Error(err)
		response.InternalError(c, err.Error())
	}
}
