// Package api wires up the Gin HTTP router with all handler functions.
package api

import (
	"net/http"

	"github.com/ringkv/ringkv/internal/cluster"
	"github.com/ringkv/ringkv/internal/neighborhood"
	"github.com/ringkv/ringkv/internal/store"

	"github.com/gin-gonic/gin"
)

// Handler holds all dependencies injected from main.
type Handler struct {
	store      *store.Store
	replicator *cluster.Replicator
	membership *cluster.Membership
	overlay    *cluster.Overlay
	selfID     string
}

// NewHandler creates a Handler. overlay may be nil, in which case the
// /debug/* and ring-maintenance-backed routes are not mounted.
func NewHandler(s *store.Store, r *cluster.Replicator, m *cluster.Membership, overlay *cluster.Overlay, selfID string) *Handler {
	return &Handler{store: s, replicator: r, membership: m, overlay: overlay, selfID: selfID}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	// Public KV API — used by clients.
	kv := r.Group("/kv")
	kv.GET("/:key", h.Get)
	kv.PUT("/:key", h.Put)
	kv.DELETE("/:key", h.Delete)

	// Cluster management.
	clusterGroup := r.Group("/cluster")
	clusterGroup.POST("/join", h.Join)
	clusterGroup.POST("/leave", h.Leave)
	clusterGroup.GET("/nodes", h.ListNodes)
	clusterGroup.GET("/ring", h.RingDump)

	// Internal endpoints used only by peer nodes.
	internal := r.Group("/internal")
	internal.POST("/replicate", h.InternalReplicate)
	internal.GET("/fetch/:key", h.InternalFetch)

	// Ring-maintenance / ProtoSched introspection (spec.md §4.4, §4.6),
	// backed by the RM-TMan overlay rather than the static membership list.
	if h.overlay != nil {
		debug := r.Group("/debug")
		debug.GET("/state/:pid", h.DebugState)
		debug.GET("/neighborhood", h.DebugNeighborhood)
		debug.POST("/breakpoint", h.DebugBreakpoint)
		debug.GET("/protosched/:trace", h.DebugProtosched)
	}
}

// ─── Public KV handlers ───────────────────────────────────────────────────────

// Put handles PUT /kv/:key
// Body: {"value": "<string>"}
func (h *Handler) Put(c *gin.Context) {
	key := c.Param("key")

	var body struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	val, err := h.replicator.ReplicateWrite(key, body.Value, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":   key,
		"value": val.Data,
		"clock": val.Clock,
	})
}

// Get handles GET /kv/:key
func (h *Handler) Get(c *gin.Context) {
	key := c.Param("key")

	val, err := h.replicator.CoordinateRead(key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if val == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":        key,
		"value":      val.Data,
		"clock":      val.Clock,
		"updated_at": val.UpdatedAt,
	})
}

// Delete handles DELETE /kv/:key
func (h *Handler) Delete(c *gin.Context) {
	key := c.Param("key")

	if err := h.replicator.DeleteReplicated(key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key})
}

// ─── Cluster management handlers ─────────────────────────────────────────────

// Join handles POST /cluster/join
// Body: {"id": "<nodeID>", "address": "<host:port>"}
func (h *Handler) Join(c *gin.Context) {
	var node cluster.Node
	if err := c.ShouldBindJSON(&node); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.membership.Join(node); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"joined": node.ID})
}

// Leave handles POST /cluster/leave
// Body: {"id": "<nodeID>"}
func (h *Handler) Leave(c *gin.Context) {
	var body struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.membership.Leave(body.ID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": body.ID})
}

// ListNodes handles GET /cluster/nodes
func (h *Handler) ListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": h.membership.All()})
}

// RingDump handles GET /cluster/ring, reporting the consistent-hash ring's
// distinct physical nodes.
func (h *Handler) RingDump(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"nodes": h.membership.Ring().Nodes(),
		"count": h.membership.Ring().NodeCount(),
	})
}

// ─── Ring-maintenance / ProtoSched introspection ──────────────────────────────

// DebugState handles GET /debug/state/:pid, a synchronous get_state fetch
// against the named process (spec.md §4.4). Only the overlay's own RM-TMan
// process is addressable this way today.
func (h *Handler) DebugState(c *gin.Context) {
	pid := c.Param("pid")
	if neighborhood.ProcessAddr(pid) != h.overlay.Self.Addr {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown process"})
		return
	}
	state, err := h.overlay.Process.GetState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pid": pid, "state": state})
}

// DebugNeighborhood handles GET /debug/neighborhood, dumping RM-TMan's
// current predecessor/successor view (spec.md §4.2).
func (h *Handler) DebugNeighborhood(c *gin.Context) {
	nbh, err := h.overlay.Neighborhood(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	preds, succs := nbh.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"me":    nbh.Me,
		"preds": preds,
		"succs": succs,
	})
}

// breakpointRequest is the body of POST /debug/breakpoint.
type breakpointRequest struct {
	Command  string `json:"command" binding:"required"` // set|del|step|cont|barrier
	Name     string `json:"name"`
	MatchTag string `json:"match_tag"`
}

// DebugBreakpoint handles POST /debug/breakpoint, exposing RM-TMan's
// breakpoint discipline (bp_set/bp_del/bp_step/bp_cont/bp_barrier, spec.md
// §4.4) over HTTP.
func (h *Handler) DebugBreakpoint(c *gin.Context) {
	var req breakpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	switch req.Command {
	case "set":
		err = h.overlay.SetBreakpoint(req.Name, req.MatchTag)
	case "del":
		err = h.overlay.DeleteBreakpoint(req.Name)
	case "step":
		err = h.overlay.Step()
	case "cont":
		err = h.overlay.Continue()
	case "barrier":
		err = h.overlay.Barrier()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown command " + req.Command})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// DebugProtosched handles GET /debug/protosched/:trace, reporting a trace's
// fan-out accounting (spec.md §4.6's get_infos).
func (h *Handler) DebugProtosched(c *gin.Context) {
	trace := c.Param("trace")
	infos := h.overlay.Sched.GetInfos(trace)
	c.JSON(http.StatusOK, gin.H{
		"trace":                   trace,
		"num_delivered_msgs":      infos.NumDeliveredMsgs,
		"avg_branching_factor":    infos.AvgBranchingFactor,
		"num_possible_executions": infos.NumPossibleExecutions,
	})
}

// ─── Internal (peer-to-peer) handlers ────────────────────────────────────────

// InternalReplicate handles POST /internal/replicate
// Accepts a value from a peer and applies it using vector-clock conflict resolution.
func (h *Handler) InternalReplicate(c *gin.Context) {
	var req cluster.ReplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, err := h.store.ApplyRemote(req.Key, req.Value)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// InternalFetch handles GET /internal/fetch/:key
// Returns the raw value (including tombstones) so peers can do read repair.
func (h *Handler) InternalFetch(c *gin.Context) {
	key := c.Param("key")
	val, ok := h.store.GetRaw(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, val)
}
