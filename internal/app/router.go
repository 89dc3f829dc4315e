package app

import (
	"github.com/gin-gonic/gin"

	"github.com/coursegraph/coursegraph-backend/internal/server"
)

func wireRouter(h Handlers) *gin.Engine {
	return server.NewRouter(server.RouterConfig{
		TreeHandler:       h.Tree,
		GenerationHandler: h.Generation,
	})
}
