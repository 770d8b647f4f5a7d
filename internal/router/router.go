// Package router wires the helper's HTTP API.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/mdm-migrate/internal/handlers"
	"github.com/pandeptwidyaop/mdm-migrate/internal/middleware"
	"github.com/pandeptwidyaop/mdm-migrate/internal/portal"
	"github.com/pandeptwidyaop/mdm-migrate/internal/services"
)

// Services are the helper's collaborators.
type Services struct {
	Tokens     *services.TokenService
	Executor   *services.ExecutorService
	Audit      *services.AuditService
	Profiles   *services.ProfileService
	Removal    *services.RemovalService
	Backups    *services.BackupService
	Enrollment *services.EnrollmentService
	FileVault  *services.FileVaultService
	Portal     *portal.Installer
	Guard      *services.Guard
}

func New(svc Services, log zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(log))
	r.Use(middleware.DefaultBodyLimit())

	versionHandler := handlers.NewVersionHandler()
	auditHandler := handlers.NewAuditHandler(svc.Audit)
	profileHandler := handlers.NewProfileHandler(svc.Profiles, svc.Guard)
	vendorHandler := handlers.NewVendorCommandHandler(svc.Removal, svc.Guard)
	backupHandler := handlers.NewBackupHandler(svc.Backups, svc.Enrollment)
	enrollmentHandler := handlers.NewEnrollmentHandler(svc.Enrollment, svc.Guard)
	portalHandler := handlers.NewPortalHandler(svc.Portal, svc.Guard)
	fileVaultHandler := handlers.NewFileVaultHandler(svc.FileVault, svc.Guard)
	eventsHandler := handlers.NewEventsHandler(svc.Executor, log)

	api := r.Group("/api")
	{
		// Public so a stale client can detect a mismatched helper.
		api.GET("/version", versionHandler.Get)

		protected := api.Group("")
		protected.Use(middleware.TokenRequired(svc.Tokens))
		{
			protected.GET("/tenant", enrollmentHandler.Tenant)
			protected.GET("/status", enrollmentHandler.Status)
			protected.POST("/enroll", enrollmentHandler.Enroll)

			protected.GET("/profiles", profileHandler.List)
			protected.DELETE("/profiles", profileHandler.RemoveAll)
			protected.DELETE("/profiles/:identifier", profileHandler.Remove)

			protected.POST("/vendors/:id/commands/:index", vendorHandler.RunCommand)
			protected.POST("/vendors/:id/unenroll", vendorHandler.Unenroll)

			protected.GET("/backups", backupHandler.List)
			protected.POST("/backups", backupHandler.Create)
			protected.POST("/backups/tenant", backupHandler.CreateTenant)
			protected.POST("/backups/:id/artifacts", backupHandler.AddArtifacts)

			protected.POST("/portal/update", portalHandler.Update)
			protected.POST("/filevault/rotate", fileVaultHandler.Rotate)

			protected.GET("/events", eventsHandler.Stream)
			protected.GET("/audit", auditHandler.List)
		}
	}

	return r
}
