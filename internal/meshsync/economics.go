package meshsync

import (
	"time"

	"github.com/google/uuid"
)

// Economics protocols: vouching, mutual credit, governance, and resource
// pooling. Vouches, transfers, and contributions accumulate in bounded
// activity logs; credit lines, proposals, and resource pools are entity
// stores. Commands follow the chat model: push-channel send plus
// unconditional local application, since the server echoes at send time and
// never loops a sender's own broadcast back.

const (
	VouchKindRequest = "request"
	VouchKindAck     = "ack"

	defaultProposalQuorum = 3
	proposalVotingPeriod  = 24 * time.Hour
)

// VouchEvent is one entry in the vouch activity log: a request to vouch for a
// peer, or the acknowledgement resolving one.
type VouchEvent struct {
	Kind      string  `json:"kind"`
	ID        string  `json:"id"`
	RequestID string  `json:"request_id,omitempty"`
	Voucher   string  `json:"voucher,omitempty"`
	Vouchee   string  `json:"vouchee,omitempty"`
	Weight    float64 `json:"weight,omitempty"`
	Accepted  bool    `json:"accepted,omitempty"`
	// NewReputation is the vouchee's recalculated score, when an accepted
	// acknowledgement carries one.
	NewReputation *float64 `json:"new_reputation,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}

// CreditLine is a mutual-credit relationship between two peers.
type CreditLine struct {
	ID        string  `json:"id"`
	Creditor  string  `json:"creditor"`
	Debtor    string  `json:"debtor"`
	Limit     float64 `json:"limit"`
	Balance   float64 `json:"balance"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

func (l CreditLine) EntityID() string { return l.ID }

// CreditTransfer is one completed transfer in the credit activity log.
type CreditTransfer struct {
	ID        string  `json:"id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Amount    float64 `json:"amount"`
	Memo      string  `json:"memo,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Proposal is a governance proposal with its running vote tally.
type Proposal struct {
	ID          string `json:"id"`
	Proposer    string `json:"proposer"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Type        string `json:"proposal_type,omitempty"`
	Status      string `json:"status,omitempty"`
	YesVotes    int    `json:"yes_votes"`
	NoVotes     int    `json:"no_votes"`
	Quorum      int    `json:"quorum,omitempty"`
	Deadline    int64  `json:"deadline,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

func (p Proposal) EntityID() string { return p.ID }

// VoteEvent is a single cast vote on a proposal.
type VoteEvent struct {
	ID         string  `json:"id,omitempty"`
	ProposalID string  `json:"proposal_id"`
	Voter      string  `json:"voter,omitempty"`
	Vote       string  `json:"vote"`
	Weight     float64 `json:"weight,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
}

// ResourceContribution is one reported contribution in the resource log.
type ResourceContribution struct {
	ID        string  `json:"id"`
	PeerID    string  `json:"peer_id"`
	Type      string  `json:"resource_type"`
	Amount    float64 `json:"amount"`
	Unit      string  `json:"unit,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// PoolContributor is one peer's share of a resource pool.
type PoolContributor struct {
	PeerID       string  `json:"peer_id"`
	Contribution float64 `json:"contribution"`
	Percentage   float64 `json:"percentage"`
}

// ResourcePool is the aggregate state of one pooled resource type, keyed by
// the type name.
type ResourcePool struct {
	Type           string            `json:"resource_type"`
	TotalAvailable float64           `json:"total_available"`
	TotalUsed      float64           `json:"total_used"`
	Contributors   []PoolContributor `json:"contributors,omitempty"`
	Timestamp      int64             `json:"timestamp,omitempty"`
}

func (p ResourcePool) EntityID() string { return p.Type }

// Raw extractors, same candidate-path discipline as the peer/node frames.

func vouchRequestFromRaw(raw map[string]any) (VouchEvent, bool) {
	id, ok := stringField(raw, "id", "data.id")
	if !ok || id == "" {
		return VouchEvent{}, false
	}
	ev := VouchEvent{Kind: VouchKindRequest, ID: id}
	ev.Voucher, _ = stringField(raw, "voucher", "data.voucher")
	ev.Vouchee, _ = stringField(raw, "vouchee", "data.vouchee")
	ev.Weight, _ = floatField(raw, "weight", "stake", "data.weight")
	if ts, ok := floatField(raw, "timestamp", "data.timestamp"); ok {
		ev.Timestamp = int64(ts)
	}
	return ev, true
}

func vouchAckFromRaw(raw map[string]any) (VouchEvent, bool) {
	requestID, ok := stringField(raw, "request_id", "data.request_id")
	if !ok || requestID == "" {
		return VouchEvent{}, false
	}
	ev := VouchEvent{Kind: VouchKindAck, RequestID: requestID}
	ev.ID, _ = stringField(raw, "id", "data.id")
	ev.Accepted, _ = boolField(raw, "accepted", "data.accepted")
	if score, ok := floatField(raw, "new_reputation", "data.new_reputation"); ok {
		ev.NewReputation = &score
	}
	if ts, ok := floatField(raw, "timestamp", "data.timestamp"); ok {
		ev.Timestamp = int64(ts)
	}
	return ev, true
}

func creditLineFromRaw(raw map[string]any) (CreditLine, bool) {
	id, ok := stringField(raw, "id", "data.id")
	if !ok || id == "" {
		return CreditLine{}, false
	}
	line := CreditLine{ID: id}
	line.Creditor, _ = stringField(raw, "creditor", "data.creditor")
	line.Debtor, _ = stringField(raw, "debtor", "data.debtor")
	line.Limit, _ = floatField(raw, "limit", "data.limit")
	line.Balance, _ = floatField(raw, "balance", "data.balance")
	if ts, ok := floatField(raw, "timestamp", "data.timestamp"); ok {
		line.Timestamp = int64(ts)
	}
	return line, true
}

func creditTransferFromRaw(raw map[string]any) (CreditTransfer, bool) {
	id, ok := stringField(raw, "id", "data.id")
	if !ok || id == "" {
		return CreditTransfer{}, false
	}
	transfer := CreditTransfer{ID: id}
	transfer.From, _ = stringField(raw, "from", "data.from")
	transfer.To, _ = stringField(raw, "to", "data.to")
	transfer.Amount, _ = floatField(raw, "amount", "data.amount")
	transfer.Memo, _ = stringField(raw, "memo", "data.memo")
	if ts, ok := floatField(raw, "timestamp", "data.timestamp"); ok {
		transfer.Timestamp = int64(ts)
	}
	return transfer, true
}

func proposalFromRaw(raw map[string]any) (Proposal, bool) {
	id, ok := stringField(raw, "id", "proposal_id", "data.id")
	if !ok || id == "" {
		return Proposal{}, false
	}
	proposal := Proposal{ID: id}
	proposal.Proposer, _ = stringField(raw, "proposer", "data.proposer")
	proposal.Title, _ = stringField(raw, "title", "data.title")
	proposal.Description, _ = stringField(raw, "description", "data.description")
	proposal.Type, _ = stringField(raw, "proposal_type", "data.proposal_type")
	proposal.Status, _ = stringField(raw, "status", "data.status")
	if v, ok := floatField(raw, "yes_votes", "data.yes_votes"); ok {
		proposal.YesVotes = int(v)
	}
	if v, ok := floatField(raw, "no_votes", "data.no_votes"); ok {
		proposal.NoVotes = int(v)
	}
	if v, ok := floatField(raw, "quorum", "data.quorum"); ok {
		proposal.Quorum = int(v)
	}
	if v, ok := floatField(raw, "deadline", "data.deadline"); ok {
		proposal.Deadline = int64(v)
	}
	if ts, ok := floatField(raw, "timestamp", "data.timestamp"); ok {
		proposal.Timestamp = int64(ts)
	}
	return proposal, true
}

func voteFromRaw(raw map[string]any) (VoteEvent, bool) {
	proposalID, ok := stringField(raw, "proposal_id", "data.proposal_id")
	if !ok || proposalID == "" {
		return VoteEvent{}, false
	}
	vote := VoteEvent{ProposalID: proposalID}
	vote.ID, _ = stringField(raw, "id", "data.id")
	vote.Voter, _ = stringField(raw, "voter", "data.voter")
	vote.Vote, _ = stringField(raw, "vote", "data.vote")
	vote.Weight, _ = floatField(raw, "weight", "data.weight")
	if ts, ok := floatField(raw, "timestamp", "data.timestamp"); ok {
		vote.Timestamp = int64(ts)
	}
	return vote, true
}

func contributionFromRaw(raw map[string]any) (ResourceContribution, bool) {
	id, ok := stringField(raw, "id", "data.id")
	if !ok || id == "" {
		return ResourceContribution{}, false
	}
	contribution := ResourceContribution{ID: id}
	contribution.PeerID, _ = stringField(raw, "peer_id", "data.peer_id")
	contribution.Type, _ = stringField(raw, "resource_type", "data.resource_type")
	contribution.Amount, _ = floatField(raw, "amount", "data.amount")
	contribution.Unit, _ = stringField(raw, "unit", "data.unit")
	if ts, ok := floatField(raw, "timestamp", "data.timestamp"); ok {
		contribution.Timestamp = int64(ts)
	}
	return contribution, true
}

func poolFromRaw(raw map[string]any) (ResourcePool, bool) {
	resourceType, ok := stringField(raw, "resource_type", "data.resource_type")
	if !ok || resourceType == "" {
		return ResourcePool{}, false
	}
	pool := ResourcePool{Type: resourceType}
	pool.TotalAvailable, _ = floatField(raw, "total_available", "data.total_available")
	pool.TotalUsed, _ = floatField(raw, "total_used", "data.total_used")
	for _, item := range sliceField(raw, "contributors", "data.contributors") {
		peerID, ok := stringField(item, "peer_id", "id")
		if !ok || peerID == "" {
			continue
		}
		contributor := PoolContributor{PeerID: peerID}
		contributor.Contribution, _ = floatField(item, "contribution")
		contributor.Percentage, _ = floatField(item, "percentage")
		pool.Contributors = append(pool.Contributors, contributor)
	}
	if ts, ok := floatField(raw, "timestamp", "data.timestamp"); ok {
		pool.Timestamp = int64(ts)
	}
	return pool, true
}

// Controller surface.

// Proposals is the governance proposal store, keyed by proposal id.
func (c *Controller) Proposals() *Store[Proposal] { return c.proposals }

// CreditLines is the mutual-credit store, keyed by line id.
func (c *Controller) CreditLines() *Store[CreditLine] { return c.creditLines }

// ResourcePools is the resource pool store, keyed by resource type.
func (c *Controller) ResourcePools() *Store[ResourcePool] { return c.pools }

// VouchLog returns a copy of the bounded vouch activity log, oldest first.
func (c *Controller) VouchLog() []VouchEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]VouchEvent(nil), c.vouches...)
}

// TransferLog returns a copy of the bounded credit transfer log, oldest first.
func (c *Controller) TransferLog() []CreditTransfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CreditTransfer(nil), c.transfers...)
}

// ContributionLog returns a copy of the bounded resource contribution log,
// oldest first.
func (c *Controller) ContributionLog() []ResourceContribution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ResourceContribution(nil), c.contributions...)
}

// applyVouch logs the event. An accepted acknowledgement can carry the
// vouchee's recalculated reputation; it is applied when the original request
// is still in the log to resolve who was vouched for.
func (c *Controller) applyVouch(ev VouchEvent) {
	c.mu.Lock()
	c.vouches = appendBounded(c.vouches, ev, c.opts.EventLogLimit)
	var vouchee string
	if ev.Kind == VouchKindAck && ev.Accepted && ev.NewReputation != nil {
		for i := len(c.vouches) - 1; i >= 0; i-- {
			prev := c.vouches[i]
			if prev.Kind == VouchKindRequest && prev.ID == ev.RequestID {
				vouchee = prev.Vouchee
				break
			}
		}
	}
	c.mu.Unlock()
	if vouchee != "" {
		c.applyReputation(vouchee, *ev.NewReputation)
	}
}

// applyVote adjusts the tally of a known proposal. Votes for proposals not in
// the store are dropped; the next proposal upsert carries the server's tally.
func (c *Controller) applyVote(vote VoteEvent) {
	proposal, ok := c.proposals.Get(vote.ProposalID)
	if !ok {
		return
	}
	switch vote.Vote {
	case "yes":
		proposal.YesVotes++
	case "no":
		proposal.NoVotes++
	}
	c.proposals.Upsert(proposal)
}

func (c *Controller) appendTransfer(transfer CreditTransfer) {
	c.mu.Lock()
	c.transfers = appendBounded(c.transfers, transfer, c.opts.EventLogLimit)
	c.mu.Unlock()
}

func (c *Controller) appendContribution(contribution ResourceContribution) {
	c.mu.Lock()
	c.contributions = appendBounded(c.contributions, contribution, c.opts.EventLogLimit)
	c.mu.Unlock()
}

// SendVouch publishes a vouch for another peer. Weight is clamped to [0,1].
func (c *Controller) SendVouch(vouchee string, weight float64, message string) VouchEvent {
	weight = clampScore(weight)
	ev := VouchEvent{
		Kind:      VouchKindRequest,
		ID:        uuid.NewString(),
		Voucher:   c.Identity().ID,
		Vouchee:   vouchee,
		Weight:    weight,
		Timestamp: time.Now().UnixMilli(),
	}
	c.mu.Lock()
	c.vouches = appendBounded(c.vouches, ev, c.opts.EventLogLimit)
	c.mu.Unlock()
	c.meshSend(sendVouchFrame{Type: "send_vouch", Vouchee: vouchee, Weight: weight, Message: message})
	return ev
}

// RespondVouch accepts or rejects a received vouch request.
func (c *Controller) RespondVouch(requestID string, accept bool) VouchEvent {
	ev := VouchEvent{
		Kind:      VouchKindAck,
		ID:        uuid.NewString(),
		RequestID: requestID,
		Accepted:  accept,
		Timestamp: time.Now().UnixMilli(),
	}
	c.mu.Lock()
	c.vouches = appendBounded(c.vouches, ev, c.opts.EventLogLimit)
	c.mu.Unlock()
	c.meshSend(respondVouchFrame{Type: "respond_vouch", RequestID: requestID, Accept: accept})
	return ev
}

// CreateCreditLine extends credit to another peer. The provisional line opens
// with a zero balance; the server's credit_line event carries the settled one.
func (c *Controller) CreateCreditLine(debtor string, limit float64) CreditLine {
	line := CreditLine{
		ID:        uuid.NewString(),
		Creditor:  c.Identity().ID,
		Debtor:    debtor,
		Limit:     limit,
		Timestamp: time.Now().UnixMilli(),
	}
	c.creditLines.Upsert(line)
	c.meshSend(createCreditLineFrame{Type: "create_credit_line", Debtor: debtor, Limit: limit})
	return line
}

// TransferCredit sends credit to another peer and logs the transfer.
func (c *Controller) TransferCredit(to string, amount float64, memo string) CreditTransfer {
	transfer := CreditTransfer{
		ID:        uuid.NewString(),
		From:      c.Identity().ID,
		To:        to,
		Amount:    amount,
		Memo:      memo,
		Timestamp: time.Now().UnixMilli(),
	}
	c.appendTransfer(transfer)
	c.meshSend(transferCreditFrame{Type: "transfer_credit", To: to, Amount: amount, Memo: memo})
	return transfer
}

// CreateProposal submits a governance proposal. The provisional entry opens
// active with the default quorum and voting deadline.
func (c *Controller) CreateProposal(title, description, proposalType string) Proposal {
	now := time.Now()
	proposal := Proposal{
		ID:          uuid.NewString(),
		Proposer:    c.Identity().ID,
		Title:       title,
		Description: description,
		Type:        proposalType,
		Status:      "active",
		Quorum:      defaultProposalQuorum,
		Deadline:    now.Add(proposalVotingPeriod).UnixMilli(),
		Timestamp:   now.UnixMilli(),
	}
	c.proposals.Upsert(proposal)
	c.meshSend(createProposalFrame{Type: "create_proposal", Title: title, Description: description, ProposalType: proposalType})
	return proposal
}

// CastVote votes yes, no, or abstain on a proposal and adjusts the local
// tally for known proposals.
func (c *Controller) CastVote(proposalID, vote string) {
	c.applyVote(VoteEvent{
		ProposalID: proposalID,
		Voter:      c.Identity().ID,
		Vote:       vote,
		Weight:     1,
		Timestamp:  time.Now().UnixMilli(),
	})
	c.meshSend(castVoteFrame{Type: "cast_vote", ProposalID: proposalID, Vote: vote})
}

// ReportResource reports a contribution to a resource pool and logs it.
func (c *Controller) ReportResource(resourceType string, amount float64, unit string) ResourceContribution {
	contribution := ResourceContribution{
		ID:        uuid.NewString(),
		PeerID:    c.Identity().ID,
		Type:      resourceType,
		Amount:    amount,
		Unit:      unit,
		Timestamp: time.Now().UnixMilli(),
	}
	c.appendContribution(contribution)
	c.meshSend(reportResourceFrame{Type: "report_resource", ResourceType: resourceType, Amount: amount, Unit: unit})
	return contribution
}

// Client→server economics frames.

type sendVouchFrame struct {
	Type    string  `json:"type"`
	Vouchee string  `json:"vouchee"`
	Weight  float64 `json:"weight"`
	Message string  `json:"message,omitempty"`
}

type respondVouchFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Accept    bool   `json:"accept"`
}

type createCreditLineFrame struct {
	Type   string  `json:"type"`
	Debtor string  `json:"debtor"`
	Limit  float64 `json:"limit"`
}

type transferCreditFrame struct {
	Type   string  `json:"type"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
	Memo   string  `json:"memo,omitempty"`
}

type createProposalFrame struct {
	Type         string `json:"type"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	ProposalType string `json:"proposal_type"`
}

type castVoteFrame struct {
	Type       string `json:"type"`
	ProposalID string `json:"proposal_id"`
	Vote       string `json:"vote"`
}

type reportResourceFrame struct {
	Type         string  `json:"type"`
	ResourceType string  `json:"resource_type"`
	Amount       float64 `json:"amount"`
	Unit         string  `json:"unit"`
}
