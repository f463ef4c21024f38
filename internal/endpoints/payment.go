package endpoints

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"lingopod/internal/auth"
	"lingopod/internal/entitlement"
)

type registerRequest struct {
	DeviceUUID string `json:"device_uuid" binding:"required"`
	DeviceName string `json:"device_name"`
	AppVersion string `json:"app_version"`
}

// HandleRegister creates or reconciles the device account and issues an
// access token. Registration doubles as login.
func HandleRegister(proc *entitlement.Processor, manager *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "device_uuid is required"})
			return
		}

		status, err := proc.EnsureUser(c.Request.Context(), req.DeviceUUID)
		if err != nil {
			slog.Error("register failed", "device", req.DeviceUUID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "registration failed"})
			return
		}
		token, err := manager.CreateAccessToken(req.DeviceUUID)
		if err != nil {
			slog.Error("token issue failed", "device", req.DeviceUUID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "registration failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"msg":  "ok",
			"data": gin.H{
				"user_id":         status.UserID,
				"is_vip":          status.IsVIP,
				"vip_expire_time": status.VIPExpireMs,
				"device_status":   status.DeviceStatus,
				"access_token":    token,
			},
		})
	}
}

type verifyRequest struct {
	JWSToken   string `json:"jws_token" binding:"required"`
	DeviceName string `json:"device_name"`
	EventType  string `json:"event_type"`
}

var validEventTypes = map[string]bool{"purchase": true, "restore": true, "renew": true}

// HandleVerifyPurchase validates a client receipt and binds the device.
func HandleVerifyPurchase(proc *entitlement.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "jws_token is required"})
			return
		}
		if req.EventType == "" {
			req.EventType = "purchase"
		}
		if !validEventTypes[req.EventType] {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "event_type must be purchase, restore or renew"})
			return
		}

		result, err := proc.VerifyPurchase(c.Request.Context(), entitlement.VerifyRequest{
			JWSToken:   req.JWSToken,
			DeviceUUID: DeviceUUID(c),
			DeviceName: req.DeviceName,
			EventType:  req.EventType,
		})
		switch {
		case errors.Is(err, entitlement.ErrInvalidReceipt), errors.Is(err, entitlement.ErrMissingFields):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid receipt"})
			return
		case err != nil:
			slog.Error("verify purchase failed", "device", DeviceUUID(c), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "verification failed"})
			return
		}

		data := gin.H{
			"is_vip":          result.IsVIP,
			"vip_expire_time": result.VIPExpireMs,
			"bound_devices":   result.BoundDevices,
		}
		if result.KickedDevice != "" {
			data["kicked_device"] = result.KickedDevice
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": data})
	}
}

type notifyRequest struct {
	SignedPayload string `json:"signedPayload" binding:"required"`
}

// HandleNotification receives App Store server notifications. Apple only
// retries on non-2xx, so validation failures return 400 and everything the
// processor absorbed returns success.
func HandleNotification(proc *entitlement.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req notifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "signedPayload is required"})
			return
		}

		result, err := proc.HandleNotification(c.Request.Context(), req.SignedPayload)
		switch {
		case errors.Is(err, entitlement.ErrInvalidReceipt),
			errors.Is(err, entitlement.ErrInvalidNotification),
			errors.Is(err, entitlement.ErrAppMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid notification"})
			return
		case err != nil:
			slog.Error("notification failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "notification processing failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"msg":  "ok",
			"data": gin.H{
				"notification_type": result.NotificationType,
				"duplicate":         result.Duplicate,
				"stale":             result.Stale,
				"is_vip":            result.IsVIP,
				"vip_expire_time":   result.VIPExpireMs,
			},
		})
	}
}
