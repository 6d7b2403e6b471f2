// Package webrtc wraps a pion peer connection with the offer/answer
// rules of a symmetric voice call: either side may dial, simultaneous
// offers resolve by dropping the late one, and remote ICE candidates
// queue up until a remote description lands.
package webrtc

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/walkie-app/walkie/pkg/logger"
)

type Role uint8

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

type (
	Decoder func(data string, obj any) error
	Encoder func(obj any) (string, error)
)

var (
	// ErrGlare marks a remote offer that lost the simultaneous-offer race.
	ErrGlare    = errors.New("glare: offer while not stable")
	ErrBadState = errors.New("unexpected signaling state")
)

type Peer struct {
	api  *ApiFactory
	conn *webrtc.PeerConnection
	log  *logger.Logger
	role Role

	a *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit

	OnTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnDown  func()
}

var samplePool sync.Pool

func New(log *logger.Logger, api *ApiFactory, role Role) *Peer {
	return &Peer{api: api, log: log, role: role}
}

func (p *Peer) Role() Role { return p.role }

// Init creates the underlying connection and wires the callbacks.
// onICECandidate gets nil once gathering completes.
func (p *Peer) Init(onICECandidate func(ice *webrtc.ICECandidateInit)) (err error) {
	if p.conn, err = p.api.NewPeer(); err != nil {
		return err
	}
	p.conn.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			onICECandidate(nil)
			p.log.Debug().Msg("ICE gathering was complete probably")
			return
		}
		candidate := ice.ToJSON()
		p.log.Debug().Str("candidate", candidate.Candidate).Msg("ICE")
		onICECandidate(&candidate)
	})
	p.conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.log.Debug().Msgf("Got [%s] track", track.Codec().MimeType)
		if p.OnTrack != nil {
			p.OnTrack(track, receiver)
		}
	})
	p.conn.OnConnectionStateChange(p.handleState)
	return nil
}

// AddAudioTrack plugs in the outgoing voice track.
func (p *Peer) AddAudioTrack() error {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "voice")
	if err != nil {
		return err
	}
	sender, err := p.conn.AddTrack(audio)
	if err != nil {
		return err
	}
	// Read incoming RTCP packets
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()
	p.a = audio
	p.log.Debug().Msgf("Added [%s] track", audio.Codec().MimeType)
	return nil
}

func (p *Peer) SendAudio(data []byte, dur time.Duration) {
	if p.a == nil {
		return
	}
	sample, _ := samplePool.Get().(*media.Sample)
	if sample == nil {
		sample = new(media.Sample)
	}
	sample.Data = data
	sample.Duration = dur
	if err := p.a.WriteSample(*sample); err != nil {
		p.log.Error().Err(err).Send()
	}
	samplePool.Put(sample)
}

// CreateOffer generates and installs a local offer.
func (p *Peer) CreateOffer(enc Encoder) (string, error) {
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err = p.conn.SetLocalDescription(offer); err != nil {
		return "", err
	}
	p.log.Debug().Msg("Created Offer")
	return enc(offer)
}

// HandleOffer applies a remote offer and returns the local answer.
// An offer that arrives while the connection is mid-negotiation is a
// glare loser and gets dropped.
func (p *Peer) HandleOffer(sdp string, dec Decoder, enc Encoder) (string, error) {
	if p.conn.SignalingState() != webrtc.SignalingStateStable {
		return "", ErrGlare
	}
	var offer webrtc.SessionDescription
	if err := dec(sdp, &offer); err != nil {
		return "", err
	}
	if err := p.conn.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	p.flushCandidates()
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err = p.conn.SetLocalDescription(answer); err != nil {
		return "", err
	}
	p.log.Debug().Msg("Created Answer")
	return enc(answer)
}

// HandleAnswer completes a negotiation this side started.
func (p *Peer) HandleAnswer(sdp string, dec Decoder) error {
	if p.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return ErrBadState
	}
	var answer webrtc.SessionDescription
	if err := dec(sdp, &answer); err != nil {
		return err
	}
	if err := p.conn.SetRemoteDescription(answer); err != nil {
		p.log.Error().Err(err).Msg("Set remote description from peer failed")
		return err
	}
	p.flushCandidates()
	p.log.Debug().Msg("Set Remote Description")
	return nil
}

// AddCandidate feeds one remote ICE candidate in, holding it back
// until a remote description is set.
func (p *Peer) AddCandidate(candidate string, dec Decoder) error {
	var ice webrtc.ICECandidateInit
	if err := dec(candidate, &ice); err != nil {
		return err
	}
	p.mu.Lock()
	if p.conn.RemoteDescription() == nil {
		p.pending = append(p.pending, ice)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.conn.AddICECandidate(ice)
}

func (p *Peer) flushCandidates() {
	p.mu.Lock()
	queued := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, ice := range queued {
		if err := p.conn.AddICECandidate(ice); err != nil {
			p.log.Error().Err(err).Msg("stale candidate")
		}
	}
}

func (p *Peer) handleState(state webrtc.PeerConnectionState) {
	p.log.Debug().Str(".state", state.String()).Msg("Peer")
	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.log.Info().Msg("Connected")
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		p.Disconnect()
		if p.OnDown != nil {
			p.OnDown()
		}
	}
}

func (p *Peer) Connected() bool {
	return p.conn != nil && p.conn.ConnectionState() == webrtc.PeerConnectionStateConnected
}

func (p *Peer) Disconnect() {
	if p.conn == nil {
		return
	}
	if p.conn.ConnectionState() < webrtc.PeerConnectionStateDisconnected {
		// ignore this due to DTLS fatal: conn is closed
		_ = p.conn.Close()
	}
	p.log.Debug().Msg("WebRTC stop")
}
