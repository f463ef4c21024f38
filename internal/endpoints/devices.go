package endpoints

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"lingopod/internal/entitlement"
)

// HandleListDevices shows the devices sharing the caller's subscription.
func HandleListDevices(store *entitlement.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceUUID := DeviceUUID(c)
		user, err := store.GetUserByUUID(c.Request.Context(), deviceUUID)
		if errors.Is(err, entitlement.ErrNotFound) || (err == nil && user.OriginalTransactionID == "") {
			c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": gin.H{"devices": []gin.H{}}})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "failed to load devices"})
			return
		}

		bindings, err := store.Bindings(c.Request.Context(), user.OriginalTransactionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "failed to load devices"})
			return
		}

		devices := make([]gin.H, 0, len(bindings))
		for _, b := range bindings {
			devices = append(devices, gin.H{
				"device_uuid":      b.DeviceUUID,
				"device_name":      b.DeviceName,
				"bind_time":        b.BindTimeMs,
				"last_active_time": b.LastActiveTimeMs,
				"is_current":       b.DeviceUUID == deviceUUID,
			})
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": gin.H{"devices": devices}})
	}
}

// HandleUnbindDevice removes another device from the caller's subscription.
func HandleUnbindDevice(store *entitlement.Store, binder *entitlement.Binder) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceUUID := DeviceUUID(c)
		target := c.Param("target")

		user, err := store.GetUserByUUID(c.Request.Context(), deviceUUID)
		if errors.Is(err, entitlement.ErrNotFound) || (err == nil && user.OriginalTransactionID == "") {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "no subscription for this device"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "failed to unbind device"})
			return
		}

		err = binder.Unbind(c.Request.Context(), deviceUUID, target, user.OriginalTransactionID)
		switch {
		case errors.Is(err, entitlement.ErrCannotUnbindSelf):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "cannot unbind the current device"})
			return
		case errors.Is(err, entitlement.ErrBindingNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "device not bound"})
			return
		case err != nil:
			slog.Error("unbind failed", "device", deviceUUID, "target", target, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "failed to unbind device"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "device unbound"})
	}
}
