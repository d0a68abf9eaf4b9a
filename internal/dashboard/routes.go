package dashboard

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.GET("/queue", handleQueue(opts.Source))
	api.GET("/groups", handleGroups(opts.Source, opts.MainFolder))
	api.GET("/tasks", handleTasks(opts.Source))
	api.GET("/events", handleEvents(opts.Source, opts.EventInterval))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleQueue(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, src.QueueStatus())
	}
}

func handleGroups(src Source, mainFolder string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows := GroupRows(src.Groups(), src.QueueStatus(), mainFolder)
		c.JSON(http.StatusOK, gin.H{"groups": rows, "count": len(rows)})
	}
}

// handleTasks lists scheduled tasks, optionally filtered by ?status= and ?group=.
func handleTasks(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, err := src.Tasks()
		if err != nil {
			log.Printf("dashboard: list tasks: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load tasks"})
			return
		}
		rows := TaskRows(tasks, TaskFilter{Status: c.Query("status"), Group: c.Query("group")})
		c.JSON(http.StatusOK, gin.H{"tasks": rows, "count": len(rows)})
	}
}
