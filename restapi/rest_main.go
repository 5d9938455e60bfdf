// Package restapi contains helper functions for quickly and easily setting up
// the operator-facing REST API over the transaction log and recovery worker.
package restapi

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// Main creates the HTTP router, turns the registered (REST) methods into
// endpoint handlers and issues a "router run" blocking until the HTTP REST Api
// is signaled to stop, via OS interrupts like CTRL-C and such.
func Main(addr string, api *AdminAPI) error {
	if err := api.RegisterMethods(); err != nil {
		return err
	}

	// Simple closure for header token verification.
	verifyHeaderToken := func(realHandler func(c *gin.Context)) func(c *gin.Context) {
		return func(c *gin.Context) {
			if verify(c) {
				realHandler(c)
			}
		}
	}

	router := gin.Default()
	v1 := router.Group("/api/v1")
	{
		for _, rm := range RestMethods() {
			switch rm.Verb {
			case GET:
				fallthrough
			case GET_ONE:
				v1.GET(rm.Path, verifyHeaderToken(rm.Handler))
			case DELETE:
				v1.DELETE(rm.Path, verifyHeaderToken(rm.Handler))
			case POST:
				v1.POST(rm.Path, verifyHeaderToken(rm.Handler))
			case PUT:
				v1.PUT(rm.Path, verifyHeaderToken(rm.Handler))
			case PATCH:
				v1.PATCH(rm.Path, verifyHeaderToken(rm.Handler))
			default:
				panic(fmt.Sprintf("HTTP verb %d not supported", rm.Verb))
			}
		}
	}

	return router.Run(addr)
}

// Verify the bearer token in header. The admin token is shared-secret based;
// front it with your gateway's OAuth2 when exposing beyond the operations network.
func verify(c *gin.Context) bool {
	// Allow easy debugging on dev.
	if os.Getenv("DTX_ENV") == "DEV" {
		return true
	}

	token := c.Request.Header.Get("Authorization")
	if !strings.HasPrefix(token, "Bearer ") {
		c.String(http.StatusUnauthorized, "Unauthorized")
		return false
	}
	token = strings.TrimPrefix(token, "Bearer ")
	if admin := os.Getenv("DTX_ADMIN_TOKEN"); admin != "" && token == admin {
		return true
	}
	c.String(http.StatusForbidden, "Forbidden")
	return false
}
