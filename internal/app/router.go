package app

import (
	"github.com/gin-gonic/gin"

	"conductor.io/conductor/internal/api/handlers"
	"conductor.io/conductor/internal/api/middleware"
)

func newRouter(server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	server.Register(router)
	return router
}
