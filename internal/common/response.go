package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// App error codes. 1xxxx = request/validation, 4xxxx = not found / auth,
// 5xxxx = internal or upstream.
const (
	CodeOK              = 0
	CodeInvalidJSON     = 10001
	CodeInvalidParams   = 10002
	CodeTaskIDRequired  = 10003
	CodeUnauthorized    = 40101
	CodeTaskNotFound    = 40402
	CodeRouteNotFound   = 40400
	CodeMethodNotAllow  = 40500
	CodeInsufficient    = 41001
	CodeServiceBusy     = 42901
	CodeInternal        = 50001
	CodeUpstreamFailure = 50002
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    CodeOK,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
