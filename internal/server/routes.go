package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ocrbase/ocrbase/internal/common"
	"github.com/ocrbase/ocrbase/internal/export"
	"github.com/ocrbase/ocrbase/internal/realtime"
)

// RouterDeps carries everything the wire surface mounts.
type RouterDeps struct {
	Handlers *Handlers
	Gateway  *realtime.Gateway
	Export   *export.Service
	Resolver KeyResolver
	Logger   *zap.Logger
}

// NewRouter builds the gin engine with CORS, auth, the submission surface,
// and the realtime gateway. The gateway authenticates on its own because it
// also accepts the api_key query parameter on a bare GET.
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := deps.Handlers
	v1 := r.Group("/v1", AuthMiddleware(deps.Resolver))
	{
		v1.POST("/parse", h.Parse)
		v1.POST("/extract", h.Extract)
		v1.POST("/uploads/presign", h.Presign)
		v1.POST("/uploads/:jobID/complete", h.Confirm)
		v1.GET("/jobs", h.ListJobs)
		v1.GET("/jobs/export", exportHandler(deps.Export))
		v1.GET("/jobs/:jobID", h.GetJob)
		v1.DELETE("/jobs/:jobID", h.DeleteJob)
		v1.POST("/schemas", h.CreateSchema)
		v1.GET("/schemas/:schemaID", h.GetSchema)
		v1.POST("/schemas/generate", h.GenerateSchema)
	}

	r.GET("/v1/realtime", gin.WrapF(deps.Gateway.ServeSSE))
	r.GET("/v1/realtime/ws", gin.WrapF(deps.Gateway.ServeWS))

	return r
}

func exportHandler(svc *export.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var before time.Time
		if b := c.Query("before"); b != "" {
			t, err := time.Parse(time.RFC3339, b)
			if err != nil {
				writeError(c, common.Fatal(common.CodeValidation, "before must be RFC3339", err))
				return
			}
			before = t
		}
		data, err := svc.ExportJobsXLSX(c.Request.Context(), TenantFromGin(c), before)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="jobs.xlsx"`)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
	}
}

// GatewayAuth adapts the server's key resolver for the realtime gateway.
func GatewayAuth(resolver KeyResolver) realtime.AuthFunc {
	return func(r *http.Request) (string, error) {
		key := CredentialFromRequest(r)
		if key == "" {
			return "", common.Fatal("UNAUTHORIZED", "missing credentials", nil)
		}
		return resolver.Resolve(r.Context(), key)
	}
}
