package node

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/patchnet/internal/scheduler"
)

// Node is a running module as the command line tools see it.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
	Snapshot() *scheduler.Snapshot
	Run(ctx context.Context) error
}
