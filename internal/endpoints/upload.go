package endpoints

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"lingopod/internal/catalog"
	"lingopod/internal/episode"
)

// HandleUpload stores one podcast row from the ingest worker.
func HandleUpload(store *catalog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p catalog.Podcast
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid podcast metadata"})
			return
		}
		if err := storePodcast(c.Request.Context(), store, &p); err != nil {
			status := http.StatusInternalServerError
			if _, ok := err.(*validationError); ok {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"id":      p.ID,
		})
	}
}

// HandleUploadBatch stores many rows, reporting per-item outcomes.
func HandleUploadBatch(store *catalog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var items []catalog.Podcast
		if err := c.ShouldBindJSON(&items); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid podcast metadata list"})
			return
		}

		succeeded, failed := 0, 0
		var errs []string
		for i := range items {
			if err := storePodcast(c.Request.Context(), store, &items[i]); err != nil {
				failed++
				errs = append(errs, fmt.Sprintf("%s: %v", items[i].Title, err))
				continue
			}
			succeeded++
		}
		c.JSON(http.StatusOK, gin.H{
			"success":       true,
			"success_count": succeeded,
			"failed_count":  failed,
			"errors":        errs,
		})
	}
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func storePodcast(ctx context.Context, store *catalog.Store, p *catalog.Podcast) error {
	switch {
	case p.Company == "" || p.Channel == "":
		return &validationError{"company and channel are required"}
	case p.Title == "":
		return &validationError{"title is required"}
	case p.AudioKey == "":
		return &validationError{"audioKey is required"}
	case p.TimestampSec <= 0:
		return &validationError{"timestamp is required"}
	}
	if p.Language == "" {
		p.Language = "en"
	}
	if p.DurationSec != nil && (math.IsNaN(*p.DurationSec) || math.IsInf(*p.DurationSec, 0)) {
		p.DurationSec = nil
	}
	if p.ID == "" {
		p.ID = episode.ID(p.Company, p.Channel, p.TimestampSec, p.RawAudioURL, p.Title)
	}
	return store.Upsert(ctx, *p)
}
