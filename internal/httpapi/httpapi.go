// Package httpapi mounts the read-only status/metrics/swagger sidecar
// named in SPEC_FULL.md §4.7. The teacher's go.mod carries gin-gonic/gin,
// rs/cors, and swaggo/swag + swaggo/gin-swagger for exactly this purpose
// (a small HTTP surface alongside the JSON/TCP RPC listener); this package
// gives all three dependencies somewhere real to run.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/panaschristou/raft2pc-bank/docs"
	"github.com/panaschristou/raft2pc-bank/internal/metrics"
	"github.com/panaschristou/raft2pc-bank/internal/participant"
	"github.com/panaschristou/raft2pc-bank/internal/statemachine"
)

// NodeStatus backs GET /status on a cluster node.
type NodeStatus struct {
	NodeID      string `json:"node_id"`
	Cluster     string `json:"cluster"`
	Role        string `json:"role"`
	Term        int64  `json:"term"`
	CommitIndex int64  `json:"commit_index"`
	IsLeader    bool   `json:"is_leader"`
}

// NewNodeRouter mounts /status, /balance, /logs, /metrics and /swagger/*any
// for one cluster node.
func NewNodeRouter(nodeID, cluster string, handler *participant.Handler) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", func(c *gin.Context) {
		snap := handler.Node.Snapshot()
		c.JSON(http.StatusOK, NodeStatus{
			NodeID:      nodeID,
			Cluster:     cluster,
			Role:        string(snap.State),
			Term:        snap.Term,
			CommitIndex: snap.CommitIndex,
			IsLeader:    handler.Node.GetLeaderStatus(),
		})
	})

	r.GET("/balance", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"node_name": nodeID,
			"balance":   handler.Machine.GetBalance(),
		})
	})

	r.GET("/logs", func(c *gin.Context) {
		prepare, commit := handler.Machine.GetLogs()
		c.JSON(http.StatusOK, gin.H{"all_logs": gin.H{
			"prepare_log": prepare,
			"commit_log":  commit,
		}})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return withCORS(r)
}

// CoordinatorStatus backs GET /status on the coordinator process.
type CoordinatorStatus struct {
	Role string `json:"role"`
}

// NewCoordinatorRouter mounts the coordinator's diagnostic-only surface.
func NewCoordinatorRouter() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, CoordinatorStatus{Role: "coordinator"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return withCORS(r)
}

func withCORS(h http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(h)
}

// accountKeyFor maps a cluster name to its account key: "B" gives
// statemachine.AccountB, any other value gives statemachine.AccountA.
func accountKeyFor(cluster string) string {
	if cluster == "B" {
		return statemachine.AccountB
	}
	return statemachine.AccountA
}
