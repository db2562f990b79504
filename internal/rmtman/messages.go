package rmtman

import "github.com/ringkv/ringkv/internal/neighborhood"

// Message tags RM-TMan's handler dispatches on (spec.md §6).
const (
	TagTrigger                = "rm_trigger"
	TagBuffer                 = "buffer"
	TagBufferResponse         = "buffer_response"
	TagGetNodeDetails         = "get_node_details"
	TagGetNodeDetailsResponse = "get_node_details_response"
	TagCacheResponse          = "cache_response"
	TagNewPred                = "new_pred"
	TagNewSucc                = "new_succ"
	TagRemovePred             = "remove_pred"
	TagRemoveSucc             = "remove_succ"
	TagUpdateNode             = "update_node"
	TagCrashedNode            = "crashed_node"
	TagZombieNode             = "zombie_node"
)

// BufferMsg is a peer's request for our best view near it.
type BufferMsg struct {
	OtherNbh    neighborhood.Neighborhood
	ReqPredsMin int
	ReqSuccsMin int
}

// BufferResponseMsg replies to our own earlier BufferMsg.
type BufferResponseMsg struct {
	OtherNbh neighborhood.Neighborhood
}

// GetNodeDetailsMsg probes a candidate peer before admission.
type GetNodeDetailsMsg struct{}

// GetNodeDetailsResponseMsg is a probed peer's answer.
type GetNodeDetailsResponseMsg struct {
	Node      neighborhood.Descriptor
	IsLeaving bool
}

// CacheResponseMsg delivers a random peer sample requested from the cache.
type CacheResponseMsg struct {
	Peers []neighborhood.Descriptor
}

// NewPredMsg/NewSuccMsg announce a directly-observed neighbor change.
type NewPredMsg struct{ Pred neighborhood.Descriptor }
type NewSuccMsg struct{ Succ neighborhood.Descriptor }

// RemovePredMsg/RemoveSuccMsg request graceful neighbor removal.
type RemovePredMsg struct{ Old, PredOfOld neighborhood.Descriptor }
type RemoveSuccMsg struct{ Old, SuccOfOld neighborhood.Descriptor }

// UpdateNodeMsg announces that our own descriptor gained a newer version.
type UpdateNodeMsg struct{ NewMe neighborhood.Descriptor }

// CrashedNodeMsg is a crash-detector notification.
type CrashedNodeMsg struct{ Addr neighborhood.ProcessAddr }

// ZombieNodeMsg announces that a previously-suspected process is alive again.
type ZombieNodeMsg struct{ Node neighborhood.Descriptor }
