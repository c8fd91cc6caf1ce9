package meshsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestNormalizeVouchRequest(t *testing.T) {
	event, err := Normalize([]byte(`{"type":"vouch_request","id":"v1","voucher":"a","vouchee":"b","weight":0.5,"timestamp":1700000000000}`))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if event.Kind != KindVouch {
		t.Fatalf("expected vouch kind, got %s", event.Kind)
	}
	vouch := event.Vouch
	if vouch.Kind != VouchKindRequest || vouch.ID != "v1" || vouch.Voucher != "a" || vouch.Vouchee != "b" {
		t.Fatalf("unexpected vouch %+v", vouch)
	}
	if vouch.Weight != 0.5 || vouch.Timestamp != 1700000000000 {
		t.Fatalf("unexpected vouch detail %+v", vouch)
	}
}

func TestNormalizeVouchAckCarriesNewReputation(t *testing.T) {
	event, err := Normalize([]byte(`{"type":"vouch_ack","id":"a1","request_id":"v1","accepted":true,"new_reputation":0.8}`))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	vouch := event.Vouch
	if vouch.Kind != VouchKindAck || vouch.RequestID != "v1" || !vouch.Accepted {
		t.Fatalf("unexpected vouch %+v", vouch)
	}
	if vouch.NewReputation == nil || *vouch.NewReputation != 0.8 {
		t.Fatalf("expected new reputation 0.8, got %+v", vouch.NewReputation)
	}
}

func TestNormalizeVouchAckWithoutRequestIDIsDropped(t *testing.T) {
	_, err := Normalize([]byte(`{"type":"vouch_ack","id":"a1","accepted":true}`))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestNormalizeCreditLineNestedData(t *testing.T) {
	frame := []byte(`{"type":"credit_line","data":{"id":"cl1","creditor":"a","debtor":"b","limit":100,"balance":25.5}}`)
	event, err := Normalize(frame)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	line := event.CreditLine
	if line.ID != "cl1" || line.Creditor != "a" || line.Debtor != "b" {
		t.Fatalf("unexpected credit line %+v", line)
	}
	if line.Limit != 100 || line.Balance != 25.5 {
		t.Fatalf("unexpected figures %+v", line)
	}
}

func TestNormalizeCreditTransfer(t *testing.T) {
	event, err := Normalize([]byte(`{"type":"credit_transfer","id":"tx1","from":"a","to":"b","amount":10,"memo":"thanks"}`))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	transfer := event.Transfer
	if transfer.ID != "tx1" || transfer.From != "a" || transfer.To != "b" || transfer.Amount != 10 || transfer.Memo != "thanks" {
		t.Fatalf("unexpected transfer %+v", transfer)
	}
}

func TestNormalizeProposalTallies(t *testing.T) {
	frame := []byte(`{"type":"proposal","id":"p1","proposer":"a","title":"raise quorum","proposal_type":"parameter_change","status":"active","yes_votes":4,"no_votes":1,"quorum":3,"deadline":1700086400000}`)
	event, err := Normalize(frame)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	proposal := event.Proposal
	if proposal.ID != "p1" || proposal.Title != "raise quorum" || proposal.Status != "active" {
		t.Fatalf("unexpected proposal %+v", proposal)
	}
	if proposal.YesVotes != 4 || proposal.NoVotes != 1 || proposal.Quorum != 3 {
		t.Fatalf("unexpected tally %+v", proposal)
	}
}

func TestNormalizeVoteCastRequiresProposalID(t *testing.T) {
	event, err := Normalize([]byte(`{"type":"vote_cast","id":"vc1","proposal_id":"p1","voter":"a","vote":"yes","weight":1}`))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if event.Vote.ProposalID != "p1" || event.Vote.Vote != "yes" {
		t.Fatalf("unexpected vote %+v", event.Vote)
	}

	_, err = Normalize([]byte(`{"type":"vote_cast","voter":"a","vote":"yes"}`))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError without proposal id, got %v", err)
	}
}

func TestNormalizeResourcePoolContributors(t *testing.T) {
	frame := []byte(`{"type":"resource_pool_update","resource_type":"storage","total_available":1000,"total_used":250,
		"contributors":[{"peer_id":"a","contribution":750,"percentage":75},{"peer_id":"b","contribution":250,"percentage":25}]}`)
	event, err := Normalize(frame)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	pool := event.Pool
	if pool.Type != "storage" || pool.TotalAvailable != 1000 || pool.TotalUsed != 250 {
		t.Fatalf("unexpected pool %+v", pool)
	}
	if len(pool.Contributors) != 2 || pool.Contributors[0].PeerID != "a" || pool.Contributors[1].Percentage != 25 {
		t.Fatalf("unexpected contributors %+v", pool.Contributors)
	}
}

func TestControllerVouchAckAppliesVoucheeReputation(t *testing.T) {
	ctrl, _ := newTestController(t, http.NewServeMux(), Options{})

	ctrl.handleFrame([]byte(`{"type":"vouch_request","id":"v1","voucher":"a","vouchee":"abc","weight":0.5}`))
	ctrl.handleFrame([]byte(`{"type":"vouch_ack","id":"a1","request_id":"v1","accepted":true,"new_reputation":0.8}`))

	if log := ctrl.VouchLog(); len(log) != 2 || log[0].Kind != VouchKindRequest || log[1].Kind != VouchKindAck {
		t.Fatalf("unexpected vouch log %+v", log)
	}
	peer, ok := ctrl.Peers().Get("abc")
	if !ok || peer.Reputation != 0.8 {
		t.Fatalf("expected accepted vouch to apply reputation, got %+v ok=%v", peer, ok)
	}
}

func TestControllerRejectedVouchAckLeavesReputationAlone(t *testing.T) {
	ctrl, _ := newTestController(t, http.NewServeMux(), Options{})

	ctrl.handleFrame([]byte(`{"type":"vouch_request","id":"v1","vouchee":"abc","weight":0.5}`))
	ctrl.handleFrame([]byte(`{"type":"vouch_ack","id":"a1","request_id":"v1","accepted":false,"new_reputation":0.8}`))

	if _, ok := ctrl.Peers().Get("abc"); ok {
		t.Fatalf("rejected vouch must not touch the peer store")
	}
	if log := ctrl.VouchLog(); len(log) != 2 {
		t.Fatalf("expected both events logged, got %d", len(log))
	}
}

func TestControllerVoteAdjustsKnownProposalTally(t *testing.T) {
	ctrl, _ := newTestController(t, http.NewServeMux(), Options{})
	ctrl.handleFrame([]byte(`{"type":"proposal","id":"p1","proposer":"a","title":"t","yes_votes":1,"no_votes":0}`))

	ctrl.handleFrame([]byte(`{"type":"vote_cast","proposal_id":"p1","voter":"b","vote":"yes"}`))
	ctrl.handleFrame([]byte(`{"type":"vote_cast","proposal_id":"p1","voter":"c","vote":"no"}`))
	ctrl.handleFrame([]byte(`{"type":"vote_cast","proposal_id":"p1","voter":"d","vote":"abstain"}`))
	// A vote for an unknown proposal is dropped; the next proposal upsert
	// carries the authoritative tally.
	ctrl.handleFrame([]byte(`{"type":"vote_cast","proposal_id":"ghost","voter":"e","vote":"yes"}`))

	proposal, _ := ctrl.Proposals().Get("p1")
	if proposal.YesVotes != 2 || proposal.NoVotes != 1 {
		t.Fatalf("unexpected tally %+v", proposal)
	}
	if ctrl.Proposals().Len() != 1 {
		t.Fatalf("unknown-proposal vote must not create an entry, got %d", ctrl.Proposals().Len())
	}
}

func TestControllerResourcePoolKeyedByType(t *testing.T) {
	ctrl, _ := newTestController(t, http.NewServeMux(), Options{})

	ctrl.handleFrame([]byte(`{"type":"resource_pool_update","resource_type":"storage","total_available":100,"total_used":10}`))
	ctrl.handleFrame([]byte(`{"type":"resource_pool_update","resource_type":"storage","total_available":200,"total_used":50}`))
	ctrl.handleFrame([]byte(`{"type":"resource_pool_update","resource_type":"bandwidth","total_available":1}`))

	if ctrl.ResourcePools().Len() != 2 {
		t.Fatalf("expected one pool per type, got %d", ctrl.ResourcePools().Len())
	}
	pool, _ := ctrl.ResourcePools().Get("storage")
	if pool.TotalAvailable != 200 || pool.TotalUsed != 50 {
		t.Fatalf("expected latest update to win, got %+v", pool)
	}
}

func TestControllerTransferLogIsBounded(t *testing.T) {
	ctrl, _ := newTestController(t, http.NewServeMux(), Options{EventLogLimit: 2})

	for i := 0; i < 3; i++ {
		ctrl.handleFrame([]byte(fmt.Sprintf(`{"type":"credit_transfer","id":"tx%d","from":"a","to":"b","amount":1}`, i)))
	}
	log := ctrl.TransferLog()
	if len(log) != 2 || log[0].ID != "tx1" || log[1].ID != "tx2" {
		t.Fatalf("expected oldest transfer evicted, got %+v", log)
	}
}

func TestSendVouchClampsWeightAndEchoesLocally(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/identity", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":"self1","name":"Me"}`))
	})
	ctrl, sock := newTestController(t, mux, Options{MeshURL: "ws://test/ws"})
	ctrl.Connect()
	waitFor(t, "open", func() bool { return ctrl.MeshState() == StateOpen })
	waitFor(t, "identity", func() bool { return ctrl.Identity().ID == "self1" })

	ev := ctrl.SendVouch("peerB", 1.7, "solid operator")
	if ev.Weight != 1.0 || ev.Voucher != "self1" || ev.Vouchee != "peerB" {
		t.Fatalf("unexpected echo %+v", ev)
	}
	if log := ctrl.VouchLog(); len(log) != 1 || log[0].Kind != VouchKindRequest {
		t.Fatalf("expected local echo in vouch log, got %+v", log)
	}

	waitFor(t, "wire frame", func() bool { return sock.writeCount() == 1 })
	sock.mu.Lock()
	payload := sock.writes[0]
	sock.mu.Unlock()
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if decoded["type"] != "send_vouch" || decoded["vouchee"] != "peerB" || decoded["weight"] != 1.0 {
		t.Fatalf("unexpected frame %s", payload)
	}
}

func TestRespondVouchWhileDisconnectedStillLogs(t *testing.T) {
	ctrl, sock := newTestController(t, http.NewServeMux(), Options{MeshURL: "ws://test/ws"})

	ev := ctrl.RespondVouch("v1", true)
	if ev.Kind != VouchKindAck || ev.RequestID != "v1" || !ev.Accepted {
		t.Fatalf("unexpected ack %+v", ev)
	}
	if log := ctrl.VouchLog(); len(log) != 1 {
		t.Fatalf("expected local ack in log, got %+v", log)
	}
	if sock.writeCount() != 0 {
		t.Fatalf("expected no wire write while disconnected, got %d", sock.writeCount())
	}
}

func TestCreateCreditLineOpensProvisionalEntry(t *testing.T) {
	ctrl, _ := newTestController(t, http.NewServeMux(), Options{})

	line := ctrl.CreateCreditLine("peerB", 500)
	if line.Debtor != "peerB" || line.Limit != 500 || line.Balance != 0 {
		t.Fatalf("unexpected line %+v", line)
	}
	stored, ok := ctrl.CreditLines().Get(line.ID)
	if !ok || stored.Limit != 500 {
		t.Fatalf("expected provisional line in store, got %+v ok=%v", stored, ok)
	}
}

func TestTransferCreditAppendsLog(t *testing.T) {
	ctrl, _ := newTestController(t, http.NewServeMux(), Options{})

	transfer := ctrl.TransferCredit("peerB", 25, "rent")
	log := ctrl.TransferLog()
	if len(log) != 1 || log[0].ID != transfer.ID || log[0].Amount != 25 || log[0].Memo != "rent" {
		t.Fatalf("unexpected transfer log %+v", log)
	}
}

func TestCreateProposalOptimisticDefaults(t *testing.T) {
	ctrl, _ := newTestController(t, http.NewServeMux(), Options{})

	before := time.Now().UnixMilli()
	proposal := ctrl.CreateProposal("raise quorum", "from 3 to 5", "parameter_change")
	if proposal.Status != "active" || proposal.Quorum != defaultProposalQuorum {
		t.Fatalf("unexpected defaults %+v", proposal)
	}
	if proposal.Deadline < before+proposalVotingPeriod.Milliseconds() {
		t.Fatalf("expected voting deadline a full period out, got %d", proposal.Deadline)
	}
	if _, ok := ctrl.Proposals().Get(proposal.ID); !ok {
		t.Fatalf("expected provisional proposal in store")
	}
}

func TestCastVoteCountsLocally(t *testing.T) {
	ctrl, _ := newTestController(t, http.NewServeMux(), Options{})
	ctrl.handleFrame([]byte(`{"type":"proposal","id":"p1","proposer":"a","title":"t"}`))

	ctrl.CastVote("p1", "yes")
	proposal, _ := ctrl.Proposals().Get("p1")
	if proposal.YesVotes != 1 || proposal.NoVotes != 0 {
		t.Fatalf("unexpected tally %+v", proposal)
	}
}

func TestReportResourceAppendsLog(t *testing.T) {
	ctrl, _ := newTestController(t, http.NewServeMux(), Options{})

	contribution := ctrl.ReportResource("bandwidth", 12.5, "mbps")
	log := ctrl.ContributionLog()
	if len(log) != 1 || log[0].ID != contribution.ID {
		t.Fatalf("unexpected contribution log %+v", log)
	}
	if log[0].Type != "bandwidth" || log[0].Amount != 12.5 || log[0].Unit != "mbps" {
		t.Fatalf("unexpected contribution %+v", log[0])
	}
}
