package endpoints

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"lingopod/internal/catalog"
	"lingopod/internal/cdn"
	"lingopod/internal/entitlement"
)

const (
	defaultPageLimit  = 20
	maxPageLimit      = 200
	defaultExpiresSec = 600
	minExpiresSec     = 60
	maxExpiresSec     = 3600
)

// HandleChannels lists every (company, channel) pair in the catalogue.
func HandleChannels(store *catalog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		channels, err := store.Channels(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list channels"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"count":    len(channels),
			"channels": channels,
		})
	}
}

// HandleChannelDates returns the channel's publication days as UTC day-start
// timestamps, newest first.
func HandleChannelDates(store *catalog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		dates, err := store.ChannelDates(c.Request.Context(), c.Param("company"), c.Param("channel"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dates"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"timestamps": dates,
		})
	}
}

// HandlePodcastsByDay lists one UTC day of a channel.
func HandlePodcastsByDay(store *catalog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ts, err := strconv.ParseInt(c.Query("timestamp"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp must be a unix timestamp"})
			return
		}
		podcasts, err := store.PodcastsByDay(c.Request.Context(), c.Param("company"), c.Param("channel"), ts)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list podcasts"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"podcasts": podcasts,
		})
	}
}

// HandlePodcastsPaged lists a channel page by page, newest first.
func HandlePodcastsPaged(store *catalog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
		if err != nil || page < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a positive integer"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
		if err != nil || limit < 1 || limit > maxPageLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
			return
		}

		total, podcasts, err := store.Paginated(c.Request.Context(), c.Param("company"), c.Param("channel"), page, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list podcasts"})
			return
		}
		totalPages := (total + limit - 1) / limit
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"total":       total,
			"total_pages": totalPages,
			"podcasts":    podcasts,
		})
	}
}

// HandleDetail returns one podcast with signed media URLs. Episodes outside
// the latest-is-free window require an active entitlement.
func HandleDetail(store *catalog.Store, proc *entitlement.Processor, signer *cdn.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		expires := defaultExpiresSec
		if raw := c.Query("expires"); raw != "" {
			var err error
			expires, err = strconv.Atoi(raw)
			if err != nil || expires < minExpiresSec || expires > maxExpiresSec {
				c.JSON(http.StatusBadRequest, gin.H{"error": "expires must be between 60 and 3600"})
				return
			}
		}

		p, err := store.GetByID(c.Request.Context(), c.Param("id"))
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "podcast not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load podcast"})
			return
		}

		free, err := store.IsFree(c.Request.Context(), p.Company, p.Channel, p.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load podcast"})
			return
		}
		if !free {
			vip, err := proc.IsVIPNow(c.Request.Context(), DeviceUUID(c))
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check entitlement"})
				return
			}
			if !vip {
				c.JSON(http.StatusForbidden, gin.H{"error": "subscription required"})
				return
			}
		}

		ttl := time.Duration(expires) * time.Second
		audioURL, err := signer.SignedURL(p.AudioKey, ttl)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign media URL"})
			return
		}
		detail := gin.H{
			"id":               p.ID,
			"company":          p.Company,
			"channel":          p.Channel,
			"title":            p.Title,
			"titleTranslation": p.TitleTranslation,
			"subtitle":         p.Subtitle,
			"timestamp":        p.TimestampSec,
			"language":         p.Language,
			"duration":         p.DurationSec,
			"segmentCount":     p.SegmentCount,
			"isFree":           free,
			"audioURL":         audioURL,
		}
		if p.SegmentsKey != "" {
			segmentsURL, err := signer.SignedURL(p.SegmentsKey, ttl)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign media URL"})
				return
			}
			detail["segmentsURL"] = segmentsURL
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"podcast": detail,
		})
	}
}

// HandleCheck probes existence and completeness, for ingest resume.
func HandleCheck(store *catalog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		exists, err := store.Exists(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check podcast"})
			return
		}
		complete := false
		if exists {
			if complete, err = store.IsComplete(c.Request.Context(), id); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check podcast"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"exists":      exists,
			"is_complete": complete,
			"complete":    complete,
		})
	}
}
