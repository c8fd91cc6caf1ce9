package meshsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultChatLogLimit  = 200
	defaultEventLogLimit = 200
	hydrateTimeout       = 15 * time.Second
	commandTimeout       = 15 * time.Second
)

// Options configures a Controller. Zero values take the documented defaults;
// a channel with an empty URL is simply not managed.
type Options struct {
	// MeshURL is the peer/chat/stats push channel.
	MeshURL string
	// OrchestratorURL is the node/workload push channel.
	OrchestratorURL string
	// APIBaseURL is the pull-channel base.
	APIBaseURL string

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	AutoConnect          bool

	// MeshTopics and OrchestratorTopics are subscribed on every open of the
	// respective channel.
	MeshTopics         []string
	OrchestratorTopics []string

	ChatLogLimit int
	// EventLogLimit bounds the vouch, credit transfer, and resource
	// contribution activity logs.
	EventLogLimit int
	Backend       StateBackend
	HTTPClient    *http.Client
	Dial          DialFunc
	Logger        Logger

	// OnStatus observes per-channel connection transitions; advisory only.
	OnStatus func(channel string, state ConnState, err error)
}

// Controller composes the sync core: one ConnManager per push channel, one
// Store per collection, the pull-channel client, and the normalizer. On every
// open it hydrates that channel's collections and subscribes its topics;
// inbound frames are normalized and routed to the matching store. Commands
// mutate local state optimistically and never roll back on failure; the next
// snapshot or authoritative event reconciles.
type Controller struct {
	opts    Options
	logger  Logger
	rest    *Client
	backend StateBackend

	mesh *ConnManager
	orch *ConnManager

	peers       *Store[Peer]
	nodes       *Store[Node]
	workloads   *Store[Workload]
	proposals   *Store[Proposal]
	creditLines *Store[CreditLine]
	pools       *Store[ResourcePool]

	mu            sync.Mutex
	chat          []ChatMessage
	vouches       []VouchEvent
	transfers     []CreditTransfer
	contributions []ResourceContribution
	stats         NetworkStats
	identity      Identity
}

func NewController(opts Options) *Controller {
	if opts.ChatLogLimit <= 0 {
		opts.ChatLogLimit = defaultChatLogLimit
	}
	if opts.EventLogLimit <= 0 {
		opts.EventLogLimit = defaultEventLogLimit
	}
	c := &Controller{
		opts:        opts,
		logger:      opts.Logger,
		rest:        NewClient(opts.APIBaseURL, opts.HTTPClient),
		backend:     opts.Backend,
		peers:       NewStore[Peer](),
		nodes:       NewStore[Node](),
		workloads:   NewStore[Workload](),
		proposals:   NewStore[Proposal](),
		creditLines: NewStore[CreditLine](),
		pools:       NewStore[ResourcePool](),
	}
	if opts.MeshURL != "" {
		c.mesh = NewConnManager(ConnOptions{
			URL:           opts.MeshURL,
			BaseInterval:  opts.ReconnectInterval,
			MaxAttempts:   opts.MaxReconnectAttempts,
			Dial:          opts.Dial,
			Logger:        opts.Logger,
			OnOpen:        c.onMeshOpen,
			OnFrame:       c.handleFrame,
			OnStateChange: func(state ConnState, err error) { c.reportStatus("mesh", state, err) },
		})
	}
	if opts.OrchestratorURL != "" {
		c.orch = NewConnManager(ConnOptions{
			URL:           opts.OrchestratorURL,
			BaseInterval:  opts.ReconnectInterval,
			MaxAttempts:   opts.MaxReconnectAttempts,
			Dial:          opts.Dial,
			Logger:        opts.Logger,
			OnOpen:        c.onOrchestratorOpen,
			OnFrame:       c.handleFrame,
			OnStateChange: func(state ConnState, err error) { c.reportStatus("orchestrator", state, err) },
		})
	}
	c.restoreState()
	if opts.AutoConnect {
		c.Connect()
	}
	return c
}

// Store accessors. The stores' mutation surface is the controller's handlers;
// consumers read derived snapshots and subscribe for change signals.

func (c *Controller) Peers() *Store[Peer]         { return c.peers }
func (c *Controller) Nodes() *Store[Node]         { return c.nodes }
func (c *Controller) Workloads() *Store[Workload] { return c.workloads }

// ChatLog returns a copy of the bounded message log, oldest first.
func (c *Controller) ChatLog() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatMessage(nil), c.chat...)
}

func (c *Controller) Stats() NetworkStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Controller) MeshState() ConnState {
	if c.mesh == nil {
		return StateIdle
	}
	return c.mesh.State()
}

func (c *Controller) OrchestratorState() ConnState {
	if c.orch == nil {
		return StateIdle
	}
	return c.orch.State()
}

// Connect starts both managed channels; idempotent while connecting or open.
func (c *Controller) Connect() {
	if c.mesh != nil {
		_ = c.mesh.Connect()
	}
	if c.orch != nil {
		_ = c.orch.Connect()
	}
}

func (c *Controller) Disconnect() {
	if c.mesh != nil {
		c.mesh.Disconnect()
	}
	if c.orch != nil {
		c.orch.Disconnect()
	}
}

// Reset forces fresh connection attempts outside the backoff schedule, e.g.
// after a user-triggered retry or a config change.
func (c *Controller) Reset() {
	if c.mesh != nil {
		c.mesh.ResetConnection()
	}
	if c.orch != nil {
		c.orch.ResetConnection()
	}
}

// Close disconnects, saves the final snapshot, and releases the backend.
func (c *Controller) Close() error {
	c.Disconnect()
	if err := c.SaveState(); err != nil {
		c.logf("saving state on close: %v", err)
	}
	if closer, ok := c.backend.(stateBackendCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

func (c *Controller) onMeshOpen() {
	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	defer cancel()

	if c.Identity().ID == "" {
		identity, err := c.rest.FetchIdentity(ctx)
		if err != nil {
			c.logf("identity lookup failed: %v", err)
		} else {
			c.mu.Lock()
			c.identity = identity
			c.mu.Unlock()
		}
	}
	peers, err := c.rest.FetchPeers(ctx)
	if err != nil {
		c.logf("peer hydration failed: %v", err)
	} else {
		c.peers.MergeSnapshot(peers)
	}
	for _, topic := range c.opts.MeshTopics {
		c.mesh.Send(outboundFrame{Type: "subscribe", Topic: topic})
	}
}

func (c *Controller) onOrchestratorOpen() {
	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	defer cancel()

	nodes, err := c.rest.FetchNodes(ctx)
	if err != nil {
		c.logf("node hydration failed: %v", err)
	} else {
		c.nodes.MergeSnapshot(nodes)
	}
	workloads, err := c.rest.FetchWorkloads(ctx)
	if err != nil {
		c.logf("workload hydration failed: %v", err)
	} else {
		c.workloads.MergeSnapshot(workloads)
	}
	for _, topic := range c.opts.OrchestratorTopics {
		c.orch.Send(outboundFrame{Type: "subscribe", Topic: topic})
	}
}

// handleFrame routes one normalized inbound frame. Failures are isolated
// per-frame: a bad frame is logged and dropped, the channel lives on.
func (c *Controller) handleFrame(frame []byte) {
	event, err := Normalize(frame)
	if err != nil {
		c.logf("dropping frame: %v", err)
		return
	}
	if event == nil {
		return
	}
	switch event.Kind {
	case KindPeerSnapshot:
		c.peers.MergeSnapshot(event.Peers)
	case KindPeerUpsert:
		c.applyPeerUpsert(*event.Peer, event.ScoreKnown)
	case KindPeerRemove:
		c.peers.Remove(event.RemoveID)
	case KindReputation:
		c.applyReputation(event.RemoveID, event.Score)
	case KindChat:
		c.appendChat(*event.Chat)
	case KindStats:
		c.mu.Lock()
		c.stats = *event.Stats
		c.mu.Unlock()
	case KindNodeSnapshot:
		c.nodes.MergeSnapshot(event.Nodes)
	case KindNodeUpsert:
		c.nodes.Upsert(*event.Node)
	case KindNodeRemove:
		c.nodes.Remove(event.RemoveID)
	case KindWorkloadSnapshot:
		c.workloads.MergeSnapshot(event.Workloads)
	case KindWorkloadUpsert:
		c.workloads.Upsert(*event.Workload)
	case KindVouch:
		c.applyVouch(*event.Vouch)
	case KindCreditLine:
		c.creditLines.Upsert(*event.CreditLine)
	case KindCreditTransfer:
		c.appendTransfer(*event.Transfer)
	case KindProposal:
		c.proposals.Upsert(*event.Proposal)
	case KindVote:
		c.applyVote(*event.Vote)
	case KindResourceContribution:
		c.appendContribution(*event.Contribution)
	case KindResourcePool:
		c.pools.Upsert(*event.Pool)
	case KindServerError:
		c.logf("server error: %s", event.Message)
	}
}

// applyPeerUpsert merges a single-entity event into the store: fields the
// frame did not carry keep their last known values. A frame that did carry a
// reputation wins even at zero.
func (c *Controller) applyPeerUpsert(peer Peer, scoreKnown bool) {
	if existing, ok := c.peers.Get(peer.ID); ok {
		if peer.Name == "" {
			peer.Name = existing.Name
		}
		if !scoreKnown {
			peer.Reputation = existing.Reputation
		}
		if peer.Location == "" {
			peer.Location = existing.Location
		}
		if len(peer.Addresses) == 0 {
			peer.Addresses = existing.Addresses
		}
	}
	if peer.Name == "" {
		peer.Name = DisplayName(peer.ID)
	}
	c.peers.Upsert(peer)
}

func (c *Controller) applyReputation(peerID string, score float64) {
	peer, ok := c.peers.Get(peerID)
	if !ok {
		peer = Peer{ID: peerID, Name: DisplayName(peerID)}
	}
	peer.Reputation = clampScore(score)
	c.peers.Upsert(peer)
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (c *Controller) appendChat(msg ChatMessage) {
	c.mu.Lock()
	c.chat = appendBounded(c.chat, msg, c.opts.ChatLogLimit)
	c.mu.Unlock()
}

// appendBounded appends to a fixed-capacity log, dropping the oldest entries.
func appendBounded[T any](log []T, entry T, limit int) []T {
	log = append(log, entry)
	if excess := len(log) - limit; excess > 0 {
		log = append([]T(nil), log[excess:]...)
	}
	return log
}

// SendChat publishes a chat message and appends the local echo. The server
// does not loop a sender's own broadcast back, so the echo is unconditional;
// while disconnected the send is a no-op but the echo still lands.
func (c *Controller) SendChat(content, to string) ChatMessage {
	identity := c.Identity()
	msg := ChatMessage{
		ID:        uuid.NewString(),
		From:      identity.ID,
		FromName:  identity.Name,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	if msg.FromName == "" && msg.From != "" {
		msg.FromName = DisplayName(msg.From)
	}
	c.appendChat(msg)
	c.meshSend(outboundFrame{Type: "send_chat", Content: content, To: to})
	return msg
}

// RequestPeers asks the server to rebroadcast the peer list.
func (c *Controller) RequestPeers() {
	c.meshSend(outboundFrame{Type: "get_peers"})
}

// RequestStats asks the server for a fresh aggregate metric frame.
func (c *Controller) RequestStats() {
	c.meshSend(outboundFrame{Type: "get_stats"})
}

// CreateWorkload applies a provisional entry, notifies the push channel, then
// issues the REST call. On success the server entity replaces the provisional
// one; on failure the provisional entry stays pending reconciliation.
func (c *Controller) CreateWorkload(ctx context.Context, spec WorkloadSpec) (Workload, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	provisional := Workload{
		ID:        uuid.NewString(),
		Status:    "pending",
		CreatedAt: time.Now().UnixMilli(),
	}
	c.workloads.Upsert(provisional)
	c.orchSend(outboundFrame{Type: "workload_create", ID: provisional.ID, Payload: spec.Payload})

	created, err := c.rest.CreateWorkload(ctx, spec)
	if err != nil {
		return provisional, &CommandError{Command: "workload_create", Err: err}
	}
	if created.ID != provisional.ID {
		c.workloads.Remove(provisional.ID)
	}
	c.workloads.Upsert(created)
	return created, nil
}

// CancelWorkload optimistically marks the workload cancelling before the REST
// call resolves. A failed call surfaces the error without rolling back.
func (c *Controller) CancelWorkload(ctx context.Context, id string) (Workload, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	if existing, ok := c.workloads.Get(id); ok {
		existing.Status = "cancelling"
		c.workloads.Upsert(existing)
	}
	c.orchSend(outboundFrame{Type: "workload_cancel", ID: id})

	updated, err := c.rest.CancelWorkload(ctx, id)
	if err != nil {
		return Workload{}, &CommandError{Command: "workload_cancel", Err: err}
	}
	c.workloads.Upsert(updated)
	return updated, nil
}

// RetryWorkload optimistically resets status and progress before the call.
func (c *Controller) RetryWorkload(ctx context.Context, id string) (Workload, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	if existing, ok := c.workloads.Get(id); ok {
		existing.Status = "pending"
		existing.Progress = 0
		c.workloads.Upsert(existing)
	}
	c.orchSend(outboundFrame{Type: "workload_retry", ID: id})

	updated, err := c.rest.RetryWorkload(ctx, id)
	if err != nil {
		return Workload{}, &CommandError{Command: "workload_retry", Err: err}
	}
	c.workloads.Upsert(updated)
	return updated, nil
}

// SaveState writes the current snapshot of every store to the backend.
func (c *Controller) SaveState() error {
	if c.backend == nil {
		return nil
	}
	c.mu.Lock()
	chat := append([]ChatMessage(nil), c.chat...)
	c.mu.Unlock()
	return c.backend.Save(&persistedState{
		SavedAt:     time.Now().UTC(),
		Peers:       c.peers.List(),
		Nodes:       c.nodes.List(),
		Workloads:   c.workloads.List(),
		Proposals:   c.proposals.List(),
		CreditLines: c.creditLines.List(),
		Pools:       c.pools.List(),
		Chat:        chat,
	})
}

// restoreState pre-populates the stores from the backend so a restart shows
// data before the first hydrate. A failed load starts empty; never fatal.
func (c *Controller) restoreState() {
	if c.backend == nil {
		return
	}
	snapshot, err := c.backend.Load()
	if err != nil {
		c.logf("restoring state: %v", err)
		return
	}
	if snapshot == nil {
		return
	}
	c.peers.MergeSnapshot(snapshot.Peers)
	c.nodes.MergeSnapshot(snapshot.Nodes)
	c.workloads.MergeSnapshot(snapshot.Workloads)
	c.proposals.MergeSnapshot(snapshot.Proposals)
	c.creditLines.MergeSnapshot(snapshot.CreditLines)
	c.pools.MergeSnapshot(snapshot.Pools)
	c.mu.Lock()
	c.chat = append([]ChatMessage(nil), snapshot.Chat...)
	if excess := len(c.chat) - c.opts.ChatLogLimit; excess > 0 {
		c.chat = append([]ChatMessage(nil), c.chat[excess:]...)
	}
	c.mu.Unlock()
}

func (c *Controller) meshSend(frame any) {
	if c.mesh != nil {
		c.mesh.Send(frame)
	}
}

func (c *Controller) orchSend(frame outboundFrame) {
	if c.orch != nil {
		c.orch.Send(frame)
	}
}

func (c *Controller) reportStatus(channel string, state ConnState, err error) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(channel, state, err)
	}
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, commandTimeout)
}

// outboundFrame is the client→server wire shape; unset fields are omitted.
type outboundFrame struct {
	Type    string         `json:"type"`
	Topic   string         `json:"topic,omitempty"`
	Content string         `json:"content,omitempty"`
	To      string         `json:"to,omitempty"`
	ID      string         `json:"id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}
