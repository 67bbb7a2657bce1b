package model

// NodeStatus defines the operational status of a changelog node
type NodeStatus string

const (
	NodeStatusHealthy NodeStatus = "healthy"
	// NodeStatusDegraded means replication works but the external
	// changelog does not advance
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// MemberMetadata is what a changelog node gossips about itself
type MemberMetadata struct {
	NodeID    string     `json:"node_id"`
	ReplicaID int32      `json:"replica_id"`
	Domains   []string   `json:"domains"`
	Status    NodeStatus `json:"status"`
	Timestamp int64      `json:"timestamp"`
}

// HealthStatus is the health report of a changelog node
type HealthStatus struct {
	NodeID    string            `json:"node_id"`
	Status    NodeStatus        `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}
