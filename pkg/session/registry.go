package session

import (
	"errors"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v3"
	"github.com/walkie-app/walkie/pkg/api"
	"github.com/walkie-app/walkie/pkg/logger"
	"github.com/walkie-app/walkie/pkg/media"
	"github.com/walkie-app/walkie/pkg/webrtc"
)

// Sender ships one signaling packet; satisfied by signaling.Transport.
type Sender interface {
	Send(event api.Event, payload any) error
}

var ErrNoMedia = errors.New("local media not acquired")

// Registry owns the per-remote peer links of the joined channel.
// One link per remote id; a second link for the same id tears the
// first one down before taking its slot. All compound mutations go
// through one mutex, so an offer and a failure teardown for the same
// id cannot interleave into a half-dead entry.
type Registry struct {
	log     *logger.Logger
	factory *webrtc.ApiFactory
	out     Sender
	media   *media.Direct
	userId  string

	// playable gates remote audio rendering, not link upkeep
	playable func() bool

	mu    sync.Mutex
	peers map[string]*webrtc.Peer

	// OnPeerDown fires after a link died on its own and was removed.
	OnPeerDown func(remoteId string)
}

func NewRegistry(userId string, factory *webrtc.ApiFactory, out Sender, m *media.Direct, playable func() bool, log *logger.Logger) *Registry {
	if playable == nil {
		playable = func() bool { return true }
	}
	return &Registry{
		log:      log.Extend(log.With().Str("s", "reg")),
		factory:  factory,
		out:      out,
		media:    m,
		userId:   userId,
		playable: playable,
		peers:    make(map[string]*webrtc.Peer, 4),
	}
}

// Create allocates a fresh peer link. Initiators push an offer right
// away; responders sit and wait for one.
func (r *Registry) Create(remoteId string, role webrtc.Role) (*webrtc.Peer, error) {
	if r.media == nil {
		return nil, ErrNoMedia
	}
	peer := webrtc.New(r.log.Extend(r.log.With().Str("u", remoteId)), r.factory, role)
	peer.OnTrack = r.acceptTrack(remoteId)
	peer.OnDown = func() { r.dropDead(remoteId, peer) }
	err := peer.Init(func(ice *pion.ICECandidateInit) {
		if ice == nil {
			return
		}
		enc, err := api.ToBase64Json(ice)
		if err != nil {
			return
		}
		_ = r.out.Send(api.IceCandidate, api.Signal{To: remoteId, From: r.userId, Candidate: enc})
	})
	if err != nil {
		return nil, err
	}
	if err = peer.AddAudioTrack(); err != nil {
		peer.Disconnect()
		return nil, err
	}

	r.mu.Lock()
	old := r.peers[remoteId]
	r.peers[remoteId] = peer
	r.mu.Unlock()
	if old != nil {
		// the replacement owns the slot now, dropDead will skip it
		old.Disconnect()
	}

	if role == webrtc.Initiator {
		offer, err := peer.CreateOffer(api.ToBase64Json)
		if err != nil {
			r.Destroy(remoteId)
			return nil, err
		}
		if err = r.out.Send(api.WebrtcOffer, api.Signal{To: remoteId, From: r.userId, Offer: offer}); err != nil {
			r.Destroy(remoteId)
			return nil, err
		}
	}
	return peer, nil
}

// HandleOffer answers a remote offer, creating a responder link on
// first contact. Glare losers and stale offers are dropped quietly.
func (r *Registry) HandleOffer(remoteId, offer string) {
	peer := r.find(remoteId)
	if peer == nil {
		var err error
		if peer, err = r.Create(remoteId, webrtc.Responder); err != nil {
			r.log.Warn().Err(err).Msgf("offer from [%v] with no session", remoteId)
			return
		}
	}
	answer, err := peer.HandleOffer(offer, api.FromBase64Json, api.ToBase64Json)
	if err != nil {
		if errors.Is(err, webrtc.ErrGlare) {
			r.log.Debug().Msgf("dropped glare offer from [%v]", remoteId)
		} else {
			r.log.Error().Err(err).Msgf("offer from [%v]", remoteId)
		}
		return
	}
	_ = r.out.Send(api.WebrtcAnswer, api.Signal{To: remoteId, From: r.userId, Answer: answer})
}

// HandleAnswer completes a negotiation we started. Late and duplicate
// answers are dropped quietly.
func (r *Registry) HandleAnswer(remoteId, answer string) {
	peer := r.find(remoteId)
	if peer == nil {
		r.log.Debug().Msgf("answer from [%v] with no session", remoteId)
		return
	}
	if err := peer.HandleAnswer(answer, api.FromBase64Json); err != nil {
		if errors.Is(err, webrtc.ErrBadState) {
			r.log.Debug().Msgf("dropped late answer from [%v]", remoteId)
		} else {
			r.log.Error().Err(err).Msgf("answer from [%v]", remoteId)
		}
	}
}

// HandleCandidate applies a remote ICE candidate; candidates outside
// the session's lifetime are dropped quietly.
func (r *Registry) HandleCandidate(remoteId, candidate string) {
	peer := r.find(remoteId)
	if peer == nil {
		r.log.Debug().Msgf("candidate from [%v] with no session", remoteId)
		return
	}
	if err := peer.AddCandidate(candidate, api.FromBase64Json); err != nil {
		r.log.Error().Err(err).Msgf("candidate from [%v]", remoteId)
	}
}

// Broadcast fans one captured frame out to every live link.
func (r *Registry) Broadcast(data []byte, dur time.Duration) {
	r.mu.Lock()
	peers := make([]*webrtc.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.SendAudio(data, dur)
	}
}

// Destroy closes and removes one link. Safe to call when absent.
func (r *Registry) Destroy(remoteId string) {
	r.mu.Lock()
	peer := r.peers[remoteId]
	delete(r.peers, remoteId)
	r.mu.Unlock()
	if peer != nil {
		peer.Disconnect()
	}
}

// DestroyAll drains every link; used on leave and channel switch.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]*webrtc.Peer, 4)
	r.mu.Unlock()
	for _, p := range peers {
		p.Disconnect()
	}
}

func (r *Registry) Has(remoteId string) bool { return r.find(remoteId) != nil }

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Registry) find(remoteId string) *webrtc.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[remoteId]
}

// dropDead removes a link that died on its own, unless a replacement
// already took the slot.
func (r *Registry) dropDead(remoteId string, peer *webrtc.Peer) {
	r.mu.Lock()
	if r.peers[remoteId] != peer {
		r.mu.Unlock()
		return
	}
	delete(r.peers, remoteId)
	r.mu.Unlock()
	r.log.Debug().Msgf("peer [%v] is gone", remoteId)
	if r.OnPeerDown != nil {
		r.OnPeerDown(remoteId)
	}
}

// acceptTrack pipes a remote voice into its playback sink. The sink
// survives link churn; the pump dies with the track.
func (r *Registry) acceptTrack(remoteId string) func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	return func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		sink, err := r.media.SinkFor(remoteId)
		if err != nil {
			r.log.Error().Err(err).Msgf("no sink for [%v]", remoteId)
			return
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				n, _, err := track.Read(buf)
				if err != nil {
					return
				}
				if !r.playable() {
					continue
				}
				frame := make([]byte, n)
				copy(frame, buf[:n])
				if err = sink.Write(frame, 20*time.Millisecond); err != nil {
					r.log.Error().Err(err).Msgf("sink write [%v]", remoteId)
					return
				}
			}
		}()
	}
}
