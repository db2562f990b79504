package api

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// NodeIDHeader carries the ID of the node that answered a request. Since any
// one of a cluster's N nodes can answer the same route — the coordinator for
// a key is whichever node's ring position a client happened to hit — clients
// that care which physical node served them (debugging routing, confirming
// read-repair landed on the right replica) read this header rather than
// having to guess from the connection address.
const NodeIDHeader = "X-Node-Id"

// Logger is a Gin middleware that logs every request with method, path,
// status code, and latency, tagged with nodeID so log lines from a
// multi-node cluster sharing a log sink can be told apart. It also stamps
// every response with NodeIDHeader.
func Logger(nodeID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Header(NodeIDHeader, nodeID)
		c.Next()
		log.Printf("[%s] [%s] %s %s | %d | %s",
			nodeID,
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// Recovery is used in place of Gin's default recovery: it logs panics tagged
// with the same nodeID Logger uses and answers with a JSON 500.
func Recovery(nodeID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[%s] PANIC recovered: %v", nodeID, err)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
