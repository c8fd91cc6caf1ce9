package meshsync

// Entity is anything a Store can hold, keyed by a stable opaque identifier.
type Entity interface {
	EntityID() string
}

// Peer is a participant in the mesh network.
type Peer struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Reputation float64  `json:"reputation"`
	Location   string   `json:"location,omitempty"`
	Addresses  []string `json:"addresses,omitempty"`
}

func (p Peer) EntityID() string { return p.ID }

// NodeResources holds capacity or allocatable figures for a cluster node.
type NodeResources struct {
	CPUMillis   int64 `json:"cpu_millis,omitempty"`
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
}

// NodeMetrics carries optional per-node sub-metrics.
type NodeMetrics struct {
	RxBytesPerSec float64 `json:"rx_bytes_per_sec,omitempty"`
	TxBytesPerSec float64 `json:"tx_bytes_per_sec,omitempty"`
	WorkloadCount int     `json:"workload_count,omitempty"`
}

// Node is a cluster node reported by the orchestrator channel.
type Node struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	Status      string        `json:"status,omitempty"`
	Capacity    NodeResources `json:"capacity,omitempty"`
	Allocatable NodeResources `json:"allocatable,omitempty"`
	Metrics     *NodeMetrics  `json:"metrics,omitempty"`
}

func (n Node) EntityID() string { return n.ID }

// Workload is a scheduled unit of work on the orchestrator.
type Workload struct {
	ID        string  `json:"id"`
	Status    string  `json:"status,omitempty"`
	Progress  float64 `json:"progress"`
	CreatedAt int64   `json:"created_at,omitempty"`
}

func (w Workload) EntityID() string { return w.ID }

// WorkloadSpec is the client-supplied portion of a workload create request.
type WorkloadSpec struct {
	Name    string         `json:"name,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ChatMessage is one delivered chat entry. To is empty for room broadcasts.
type ChatMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	FromName  string `json:"from_name,omitempty"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// NetworkStats is the aggregate metric frame broadcast by the server.
type NetworkStats struct {
	PeerCount     int   `json:"peer_count"`
	MessageCount  int64 `json:"message_count"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// Identity is the client's own identity as reported by the pull channel.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
