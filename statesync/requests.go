package statesync

import (
	"sort"
	"time"

	"github.com/meridian-chain/meridian/config"
	"github.com/meridian-chain/meridian/libs/log"
)

// Peer scoring constants. Valid responses nudge the score up additively;
// timeouts and invalid data knock it down multiplicatively, so that a few
// bad responses undo many good ones.
const (
	startingPeerScore  = 50.0
	maxPeerScore       = 100.0
	minPeerScore       = 1.0
	invalidScoreFactor = 0.8
)

// syncPeer is the request manager's bookkeeping for one known peer.
type syncPeer struct {
	id          PeerID
	score       float64
	lastRequest time.Time
}

// outstandingRequest tracks the most recent multicast of a chunk request:
// the version range start it asked for, the recipients, and when it was
// sent. A valid response covering the version retires it; a timeout
// penalizes the recipients.
type outstandingRequest struct {
	version uint64 // first version requested (known + 1)
	peers   []PeerID
	sentAt  time.Time
}

// requestManager tracks known peers and their responsiveness, picks the
// peers to send each chunk request to, and detects request timeouts. It is
// owned by the coordinator and only touched from the coordinator's message
// loop, so it needs no locking.
type requestManager struct {
	logger  log.Logger
	cfg     *config.StateSyncConfig
	sender  MessageSender
	metrics *Metrics

	peers       map[PeerID]*syncPeer
	outstanding *outstandingRequest
}

func newRequestManager(
	logger log.Logger,
	cfg *config.StateSyncConfig,
	sender MessageSender,
	metrics *Metrics,
) *requestManager {
	return &requestManager{
		logger:  logger,
		cfg:     cfg,
		sender:  sender,
		metrics: metrics,
		peers:   make(map[PeerID]*syncPeer),
	}
}

// addPeer admits a peer, or resets a known-but-excluded peer back to the
// starting score. Liveness events are the only way an excluded peer gets
// back in.
func (rm *requestManager) addPeer(id PeerID) {
	if peer, ok := rm.peers[id]; ok {
		if peer.score < rm.cfg.MinPeerScore {
			peer.score = startingPeerScore
			rm.logger.Info("re-admitted excluded peer", "peer", id)
		}
		return
	}
	rm.peers[id] = &syncPeer{id: id, score: startingPeerScore}
	rm.logger.Debug("added peer", "peer", id, "total", len(rm.peers))
}

func (rm *requestManager) removePeer(id PeerID) {
	delete(rm.peers, id)
	rm.logger.Debug("removed peer", "peer", id, "total", len(rm.peers))
}

func (rm *requestManager) numPeers() int {
	return len(rm.peers)
}

// pickPeers returns up to the multicast fan-out of eligible peers, best
// score first, ties broken by least recently used.
func (rm *requestManager) pickPeers() []*syncPeer {
	eligible := make([]*syncPeer, 0, len(rm.peers))
	for _, peer := range rm.peers {
		if peer.score >= rm.cfg.MinPeerScore {
			eligible = append(eligible, peer)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		return eligible[i].lastRequest.Before(eligible[j].lastRequest)
	})
	if len(eligible) > rm.cfg.MulticastFanout {
		eligible = eligible[:rm.cfg.MulticastFanout]
	}
	return eligible
}

// sendChunkRequest multicasts req to the currently best peers and records
// the outstanding request for timeout tracking.
func (rm *requestManager) sendChunkRequest(req *ChunkRequest, now time.Time) error {
	picked := rm.pickPeers()
	if len(picked) == 0 {
		return ErrNoEligiblePeers
	}

	recipients := make([]PeerID, 0, len(picked))
	for _, peer := range picked {
		if err := rm.sender.Send(peer.id, req); err != nil {
			rm.logger.Error("failed to send chunk request", "peer", peer.id, "err", err)
			continue
		}
		peer.lastRequest = now
		recipients = append(recipients, peer.id)
		rm.logger.Debug("sent chunk request", "peer", peer.id,
			"known_version", req.KnownVersion, "limit", req.Limit)
	}
	if len(recipients) == 0 {
		return ErrNoEligiblePeers
	}

	rm.metrics.ChunkRequests.Add(float64(len(recipients)))
	rm.outstanding = &outstandingRequest{
		version: req.KnownVersion + 1,
		peers:   recipients,
		sentAt:  now,
	}
	return nil
}

// processValidResponse rewards a peer for a usable response and retires the
// outstanding request it satisfied. Redundant multicast responses arriving
// after the first are neither rewarded nor penalized.
func (rm *requestManager) processValidResponse(id PeerID, version uint64) {
	if peer, ok := rm.peers[id]; ok {
		peer.score += 1
		if peer.score > maxPeerScore {
			peer.score = maxPeerScore
		}
	}
	if rm.outstanding != nil && version >= rm.outstanding.version {
		rm.outstanding = nil
	}
}

// processInvalidResponse penalizes a peer for unverifiable or malformed
// data.
func (rm *requestManager) processInvalidResponse(id PeerID) {
	rm.penalize(id)
}

// checkTimeout reports whether the outstanding request has exceeded the
// request timeout, penalizing every recipient if so. The caller is expected
// to re-send to the next-best peers.
func (rm *requestManager) checkTimeout(now time.Time) bool {
	if rm.outstanding == nil {
		return false
	}
	if now.Sub(rm.outstanding.sentAt) < rm.cfg.RequestTimeout {
		return false
	}

	rm.metrics.RequestTimeouts.Add(1)
	for _, id := range rm.outstanding.peers {
		rm.logger.Debug("chunk request timed out", "peer", id,
			"requested_version", rm.outstanding.version)
		rm.penalize(id)
	}
	rm.outstanding = nil
	return true
}

// hasOutstanding reports whether a chunk request is awaiting a response.
func (rm *requestManager) hasOutstanding() bool {
	return rm.outstanding != nil
}

func (rm *requestManager) penalize(id PeerID) {
	peer, ok := rm.peers[id]
	if !ok {
		return
	}
	peer.score *= invalidScoreFactor
	if peer.score < minPeerScore {
		peer.score = minPeerScore
	}
	if peer.score < rm.cfg.MinPeerScore {
		rm.logger.Info("peer excluded from selection", "peer", id, "score", peer.score)
	}
}
