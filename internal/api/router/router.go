package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/gifmark/internal/api/handlers/watermark"
	"github.com/aliskhannn/gifmark/internal/middleware"
)

func Setup(h *watermark.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api")

	api.POST("/watermark", h.Submit)         // submitting a gif and a watermark spec
	api.GET("/tasks/:id", h.Status)          // task status and progress
	api.GET("/tasks/:id/result", h.Result)   // watermarked gif
	api.GET("/tasks/:id/preview", h.Preview) // png thumbnail of the first frame
	api.DELETE("/tasks/:id", h.Cancel)       // cancelling a pending or running task
	api.DELETE("/tasks/:id/purge", h.Delete) // removing a finished task and its files

	return r
}
