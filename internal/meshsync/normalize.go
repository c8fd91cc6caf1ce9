package meshsync

import (
	"encoding/json"
	"strings"
)

// EventKind tags a canonical event after normalization.
type EventKind string

const (
	KindPeerSnapshot     EventKind = "peer_snapshot"
	KindPeerUpsert       EventKind = "peer_upsert"
	KindPeerRemove       EventKind = "peer_remove"
	KindReputation       EventKind = "reputation"
	KindNodeSnapshot     EventKind = "node_snapshot"
	KindNodeUpsert       EventKind = "node_upsert"
	KindNodeRemove       EventKind = "node_remove"
	KindWorkloadSnapshot EventKind = "workload_snapshot"
	KindWorkloadUpsert   EventKind = "workload_upsert"
	KindChat             EventKind = "chat"
	KindStats            EventKind = "stats"
	KindServerError      EventKind = "server_error"

	KindVouch                EventKind = "vouch"
	KindCreditLine           EventKind = "credit_line"
	KindCreditTransfer       EventKind = "credit_transfer"
	KindProposal             EventKind = "proposal"
	KindVote                 EventKind = "vote"
	KindResourceContribution EventKind = "resource_contribution"
	KindResourcePool         EventKind = "resource_pool"
)

// Event is the canonical form of an inbound frame. Exactly the fields
// relevant to its Kind are populated.
type Event struct {
	Kind EventKind

	Peers     []Peer
	Peer      *Peer
	Nodes     []Node
	Node      *Node
	Workloads []Workload
	Workload  *Workload
	Chat      *ChatMessage
	Stats     *NetworkStats

	Vouch        *VouchEvent
	CreditLine   *CreditLine
	Transfer     *CreditTransfer
	Proposal     *Proposal
	Vote         *VoteEvent
	Contribution *ResourceContribution
	Pool         *ResourcePool

	// RemoveID carries the identifier for *_remove kinds and the subject
	// peer for reputation updates.
	RemoveID string
	Score    float64
	// ScoreKnown reports whether a peer upsert frame carried a reputation
	// field; a legitimate zero score is distinguishable from an absent one.
	ScoreKnown bool
	Message    string
}

// Normalize maps a raw push-channel frame into a canonical event.
//
// The server-side format is not stable across deployments, so extraction is
// defensive: each field is probed through a priority-ordered list of candidate
// paths (flat, then under a nested "data" wrapper, then alternate spellings),
// and the first defined value wins. Unrecognized tags return (nil, nil) so new
// event kinds pass through harmlessly. A frame that is structurally unusable
// (no identifier findable by any path for a kind that requires one) returns a
// *DecodeError for the caller to log; it never aborts the channel.
func Normalize(frame []byte) (*Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, &DecodeError{What: "frame", Err: err}
	}
	tag, ok := stringField(raw, "type", "event", "data.type")
	if !ok || tag == "" {
		return nil, &DecodeError{What: "frame tag"}
	}

	switch tag {
	case "peers_list", "peer_list":
		return &Event{Kind: KindPeerSnapshot, Peers: peersFromRaw(raw)}, nil
	case "peer_joined", "peer_updated":
		peer, ok := peerFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: tag + " peer id"}
		}
		_, scoreKnown := floatField(raw, "reputation", "score", "data.reputation")
		return &Event{Kind: KindPeerUpsert, Peer: &peer, ScoreKnown: scoreKnown}, nil
	case "peer_left":
		id, ok := stringField(raw, "peer_id", "data.peer_id", "id")
		if !ok {
			return nil, &DecodeError{What: "peer_left peer id"}
		}
		return &Event{Kind: KindPeerRemove, RemoveID: id}, nil
	case "reputation_update":
		id, ok := stringField(raw, "peer_id", "data.peer_id", "id")
		if !ok {
			return nil, &DecodeError{What: "reputation_update peer id"}
		}
		score, _ := floatField(raw, "new_score", "score", "data.new_score")
		return &Event{Kind: KindReputation, RemoveID: id, Score: score}, nil
	case "chat_message":
		chat, ok := chatFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: "chat_message content"}
		}
		return &Event{Kind: KindChat, Chat: &chat}, nil
	case "stats":
		return &Event{Kind: KindStats, Stats: statsFromRaw(raw)}, nil
	case "node_list", "nodes_list":
		return &Event{Kind: KindNodeSnapshot, Nodes: nodesFromRaw(raw)}, nil
	case "node_joined", "node_updated", "node_status":
		node, ok := nodeFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: tag + " node id"}
		}
		return &Event{Kind: KindNodeUpsert, Node: &node}, nil
	case "node_left":
		id, ok := stringField(raw, "node_id", "data.node_id", "id")
		if !ok {
			return nil, &DecodeError{What: "node_left node id"}
		}
		return &Event{Kind: KindNodeRemove, RemoveID: id}, nil
	case "workload_list", "workloads_list":
		return &Event{Kind: KindWorkloadSnapshot, Workloads: workloadsFromRaw(raw)}, nil
	case "workload_created", "workload_updated", "workload_status":
		workload, ok := workloadFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: tag + " workload id"}
		}
		return &Event{Kind: KindWorkloadUpsert, Workload: &workload}, nil
	case "vouch_request":
		vouch, ok := vouchRequestFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: "vouch_request id"}
		}
		return &Event{Kind: KindVouch, Vouch: &vouch}, nil
	case "vouch_ack":
		vouch, ok := vouchAckFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: "vouch_ack request id"}
		}
		return &Event{Kind: KindVouch, Vouch: &vouch}, nil
	case "credit_line":
		line, ok := creditLineFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: "credit_line id"}
		}
		return &Event{Kind: KindCreditLine, CreditLine: &line}, nil
	case "credit_transfer":
		transfer, ok := creditTransferFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: "credit_transfer id"}
		}
		return &Event{Kind: KindCreditTransfer, Transfer: &transfer}, nil
	case "proposal", "proposal_created", "proposal_updated":
		proposal, ok := proposalFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: tag + " proposal id"}
		}
		return &Event{Kind: KindProposal, Proposal: &proposal}, nil
	case "vote_cast":
		vote, ok := voteFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: "vote_cast proposal id"}
		}
		return &Event{Kind: KindVote, Vote: &vote}, nil
	case "resource_contribution":
		contribution, ok := contributionFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: "resource_contribution id"}
		}
		return &Event{Kind: KindResourceContribution, Contribution: &contribution}, nil
	case "resource_pool_update":
		pool, ok := poolFromRaw(raw)
		if !ok {
			return nil, &DecodeError{What: "resource_pool_update resource type"}
		}
		return &Event{Kind: KindResourcePool, Pool: &pool}, nil
	case "error":
		message, _ := stringField(raw, "message", "data.message")
		return &Event{Kind: KindServerError, Message: message}, nil
	default:
		// Forward compatibility: unknown kinds are dropped, not failed.
		return nil, nil
	}
}

// DisplayName synthesizes a best-effort name for an entity that arrived
// without one: a short prefix of its identifier.
func DisplayName(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func peerFromRaw(raw map[string]any) (Peer, bool) {
	id, ok := stringField(raw, "peer_id", "data.peer_id", "id", "data.id")
	if !ok || id == "" {
		return Peer{}, false
	}
	peer := Peer{ID: id}
	peer.Name, _ = stringField(raw, "name", "display_name", "data.name", "data.display_name")
	peer.Reputation, _ = floatField(raw, "reputation", "score", "data.reputation")
	peer.Location, _ = stringField(raw, "location", "data.location")
	peer.Addresses = stringSlice(raw, "addresses", "data.addresses")
	return peer, true
}

func peersFromRaw(raw map[string]any) []Peer {
	items := sliceField(raw, "peers", "data.peers", "items")
	peers := make([]Peer, 0, len(items))
	for _, item := range items {
		if peer, ok := peerFromRaw(item); ok {
			peers = append(peers, peer)
		}
	}
	return peers
}

func nodeFromRaw(raw map[string]any) (Node, bool) {
	id, ok := stringField(raw, "node_id", "data.node_id", "id", "data.id")
	if !ok || id == "" {
		return Node{}, false
	}
	node := Node{ID: id}
	node.Name, _ = stringField(raw, "name", "display_name", "data.name")
	node.Status, _ = stringField(raw, "status", "health", "data.status")
	node.Capacity = resourcesFromRaw(raw, "capacity")
	node.Allocatable = resourcesFromRaw(raw, "allocatable")
	if metrics := metricsFromRaw(raw); metrics != nil {
		node.Metrics = metrics
	}
	return node, true
}

func nodesFromRaw(raw map[string]any) []Node {
	items := sliceField(raw, "nodes", "items", "data.nodes")
	nodes := make([]Node, 0, len(items))
	for _, item := range items {
		if node, ok := nodeFromRaw(item); ok {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

func resourcesFromRaw(raw map[string]any, key string) NodeResources {
	var res NodeResources
	if cpu, ok := floatField(raw, key+".cpu_millis", key+".cpu", "data."+key+".cpu_millis"); ok {
		res.CPUMillis = int64(cpu)
	}
	if mem, ok := floatField(raw, key+".memory_bytes", key+".memory", "data."+key+".memory_bytes"); ok {
		res.MemoryBytes = int64(mem)
	}
	return res
}

func metricsFromRaw(raw map[string]any) *NodeMetrics {
	rx, okRx := floatField(raw, "metrics.rx_bytes_per_sec", "network.rx_bytes_per_sec")
	tx, okTx := floatField(raw, "metrics.tx_bytes_per_sec", "network.tx_bytes_per_sec")
	count, okCount := floatField(raw, "metrics.workload_count", "workload_count")
	if !okRx && !okTx && !okCount {
		return nil
	}
	return &NodeMetrics{RxBytesPerSec: rx, TxBytesPerSec: tx, WorkloadCount: int(count)}
}

func workloadFromRaw(raw map[string]any) (Workload, bool) {
	id, ok := stringField(raw, "workload_id", "data.workload_id", "id", "data.id")
	if !ok || id == "" {
		return Workload{}, false
	}
	workload := Workload{ID: id}
	workload.Status, _ = stringField(raw, "status", "state", "data.status")
	workload.Progress, _ = floatField(raw, "progress", "data.progress")
	if created, ok := floatField(raw, "created_at", "data.created_at", "timestamp"); ok {
		workload.CreatedAt = int64(created)
	}
	return workload, true
}

func workloadsFromRaw(raw map[string]any) []Workload {
	items := sliceField(raw, "workloads", "items", "data.workloads")
	workloads := make([]Workload, 0, len(items))
	for _, item := range items {
		if workload, ok := workloadFromRaw(item); ok {
			workloads = append(workloads, workload)
		}
	}
	return workloads
}

func chatFromRaw(raw map[string]any) (ChatMessage, bool) {
	content, ok := stringField(raw, "content", "message", "data.content")
	if !ok || content == "" {
		return ChatMessage{}, false
	}
	var chat ChatMessage
	chat.Content = content
	chat.ID, _ = stringField(raw, "id", "data.id")
	chat.From, _ = stringField(raw, "from", "peer_id", "data.from")
	chat.FromName, _ = stringField(raw, "from_name", "name", "data.from_name")
	if chat.FromName == "" && chat.From != "" {
		chat.FromName = DisplayName(chat.From)
	}
	chat.To, _ = stringField(raw, "to", "data.to")
	if ts, ok := floatField(raw, "timestamp", "data.timestamp"); ok {
		chat.Timestamp = int64(ts)
	}
	return chat, true
}

func statsFromRaw(raw map[string]any) *NetworkStats {
	var stats NetworkStats
	if v, ok := floatField(raw, "peer_count", "data.peer_count"); ok {
		stats.PeerCount = int(v)
	}
	if v, ok := floatField(raw, "message_count", "data.message_count"); ok {
		stats.MessageCount = int64(v)
	}
	if v, ok := floatField(raw, "uptime_seconds", "data.uptime_seconds"); ok {
		stats.UptimeSeconds = int64(v)
	}
	return &stats
}

// lookupField resolves a dotted candidate path against a decoded frame.
func lookupField(raw map[string]any, path string) (any, bool) {
	current := raw
	segments := strings.Split(path, ".")
	for i, segment := range segments {
		value, ok := current[segment]
		if !ok {
			return nil, false
		}
		if i == len(segments)-1 {
			return value, true
		}
		next, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

func stringField(raw map[string]any, paths ...string) (string, bool) {
	for _, path := range paths {
		if value, ok := lookupField(raw, path); ok {
			if s, ok := value.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func boolField(raw map[string]any, paths ...string) (bool, bool) {
	for _, path := range paths {
		if value, ok := lookupField(raw, path); ok {
			if b, ok := value.(bool); ok {
				return b, true
			}
		}
	}
	return false, false
}

func floatField(raw map[string]any, paths ...string) (float64, bool) {
	for _, path := range paths {
		if value, ok := lookupField(raw, path); ok {
			if f, ok := value.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func sliceField(raw map[string]any, paths ...string) []map[string]any {
	for _, path := range paths {
		value, ok := lookupField(raw, path)
		if !ok {
			continue
		}
		items, ok := value.([]any)
		if !ok {
			continue
		}
		out := make([]map[string]any, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func stringSlice(raw map[string]any, paths ...string) []string {
	for _, path := range paths {
		value, ok := lookupField(raw, path)
		if !ok {
			continue
		}
		items, ok := value.([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
