// Package endpoints wires the HTTP API: catalogue browsing, device
// registration, purchase verification, and the internal upload surface.
package endpoints

import (
	"github.com/gin-gonic/gin"

	"lingopod/internal/auth"
	"lingopod/internal/catalog"
	"lingopod/internal/cdn"
	"lingopod/internal/entitlement"
)

// Deps carries everything the handlers need.
type Deps struct {
	Catalog      *catalog.Store
	Entitlements *entitlement.Store
	Processor    *entitlement.Processor
	Binder       *entitlement.Binder
	Signer       *cdn.Signer
	Auth         *auth.Manager
	ServiceToken string
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, d Deps) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "lingopod",
		})
	})

	podcast := r.Group("/podcast")
	{
		info := podcast.Group("/info")
		{
			// channel listing is the storefront: no token needed
			info.GET("/channels", HandleChannels(d.Catalog))

			authed := info.Group("")
			authed.Use(JWTAuth(d.Auth))
			{
				authed.GET("/channels/:company/:channel/dates", HandleChannelDates(d.Catalog))
				authed.GET("/channels/:company/:channel/podcasts", HandlePodcastsByDay(d.Catalog))
				authed.GET("/channels/:company/:channel/podcasts/paged", HandlePodcastsPaged(d.Catalog))
				authed.GET("/detail/:id", HandleDetail(d.Catalog, d.Processor, d.Signer))
				authed.GET("/check/:id", HandleCheck(d.Catalog))
			}

			internal := info.Group("")
			internal.Use(ServiceAuth(d.ServiceToken))
			{
				internal.POST("/upload", HandleUpload(d.Catalog))
				internal.POST("/upload/batch", HandleUploadBatch(d.Catalog))
			}
		}

		podcast.POST("/auth/register", HandleRegister(d.Processor, d.Auth))

		payment := podcast.Group("/payment")
		{
			payment.POST("/verify", JWTAuth(d.Auth), HandleVerifyPurchase(d.Processor))
			// Apple calls this; it authenticates via the signed payload itself
			payment.POST("/appstore/notify", HandleNotification(d.Processor))
		}

		user := podcast.Group("/user")
		user.Use(JWTAuth(d.Auth))
		{
			user.GET("/devices", HandleListDevices(d.Entitlements))
			user.DELETE("/devices/:target", HandleUnbindDevice(d.Entitlements, d.Binder))
		}
	}
}
