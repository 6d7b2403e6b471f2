// Package session orchestrates channel membership: one controller per
// device drives join/leave, the talk key, and the per-peer link
// registry, reacting to signaling traffic as it arrives.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/walkie-app/walkie/pkg/activity"
	"github.com/walkie-app/walkie/pkg/api"
	"github.com/walkie-app/walkie/pkg/config"
	"github.com/walkie-app/walkie/pkg/logger"
	"github.com/walkie-app/walkie/pkg/media"
	"github.com/walkie-app/walkie/pkg/signaling"
	"github.com/walkie-app/walkie/pkg/webrtc"
)

type State uint8

const (
	Idle State = iota
	Joining
	Active
	Leaving
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Leaving:
		return "leaving"
	}
	return "idle"
}

// Signaler is the slice of the signaling transport the controller uses.
type Signaler interface {
	Sender
	Subscribe(event api.Event, fn signaling.Handler)
	Connected() bool
}

var (
	ErrNotConnected   = errors.New("signaling not connected")
	ErrNoCapability   = errors.New("audio capability unavailable")
	ErrUnknownChannel = errors.New("unknown channel")
)

// how often the push-duration callback fires while the talk key is down
const pushTick = 100 * time.Millisecond

type Controller struct {
	conf     config.Config
	log      *logger.Logger
	out      Signaler
	factory  *webrtc.ApiFactory
	dev      media.Device
	notifier Notifier
	metrics  *Metrics
	view     *activity.State
	userId   string

	mu           sync.Mutex
	state        State
	channel      config.Channel
	mode         media.Mode
	reg          *Registry
	adapter      media.Adapter
	direct       *media.Direct
	transmitting bool
	stale        bool
	pushDone     chan struct{}

	muteSend    atomic.Bool
	muteReceive atomic.Bool
	dnd         atomic.Bool

	// probe decides direct vs relay once per join
	probe func() error

	// OnTick reports elapsed push time every pushTick while transmitting.
	OnTick func(elapsed time.Duration)
}

func NewController(conf config.Config, out Signaler, factory *webrtc.ApiFactory, dev media.Device, notifier Notifier, metrics *Metrics, log *logger.Logger) *Controller {
	userId := conf.App.UserId
	if userId == "" {
		if id, err := uuid.NewV4(); err == nil {
			userId = id.String()
		}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	c := &Controller{
		conf:     conf,
		log:      log.Extend(log.With().Str("s", "session").Str("u", userId)),
		out:      out,
		factory:  factory,
		dev:      dev,
		notifier: notifier,
		metrics:  metrics,
		view:     activity.NewState(),
		userId:   userId,
	}
	c.probe = func() error {
		probe, err := factory.NewPeer()
		if err == nil {
			_ = probe.Close()
		}
		return err
	}
	out.Subscribe(api.ChannelUsers, c.onRoster)
	out.Subscribe(api.UserJoined, c.onUserJoined)
	out.Subscribe(api.UserLeft, c.onUserLeft)
	out.Subscribe(api.WebrtcOffer, c.onOffer)
	out.Subscribe(api.WebrtcAnswer, c.onAnswer)
	out.Subscribe(api.IceCandidate, c.onCandidate)
	out.Subscribe(api.TransmissionStart, c.onTransmissionStart)
	out.Subscribe(api.TransmissionEnd, c.onTransmissionEnd)
	out.Subscribe(api.AudioData, c.onAudioClip)
	out.Subscribe(api.ConnectionStatus, c.onStatus)
	out.Subscribe(api.ConnectionError, c.onConnError)
	return c
}

func (c *Controller) UserId() string             { return c.userId }
func (c *Controller) View() *activity.State      { return c.view }
func (c *Controller) Channels() []config.Channel { return c.conf.App.Channels }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Mode() media.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) Channel() config.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Stale reports that the signaling link dropped while joined; the
// membership is not trusted until the user rejoins.
func (c *Controller) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

func (c *Controller) SetMuteSend(v bool)    { c.muteSend.Store(v) }
func (c *Controller) SetMuteReceive(v bool) { c.muteReceive.Store(v) }
func (c *Controller) SetDnd(v bool)         { c.dnd.Store(v) }
func (c *Controller) MuteSend() bool        { return c.muteSend.Load() }
func (c *Controller) MuteReceive() bool     { return c.muteReceive.Load() }
func (c *Controller) Dnd() bool             { return c.dnd.Load() }

// Join enters a channel, fully leaving the previous one first. The
// media mode is probed here and stands for the whole membership.
func (c *Controller) Join(channelId string) error {
	ch, ok := c.conf.App.ChannelById(channelId)
	if !ok {
		return ErrUnknownChannel
	}
	if !c.out.Connected() {
		return ErrNotConnected
	}
	if c.dev == nil {
		return ErrNoCapability
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveLocked()
	c.state = Joining

	mode := media.Detect(c.probe)
	if mode == media.ModeDirect {
		c.direct = media.NewDirect(c.dev, c.broadcast, c.log)
		c.reg = NewRegistry(c.userId, c.factory, c.out, c.direct,
			func() bool { return !c.muteReceive.Load() }, c.log)
		c.reg.OnPeerDown = c.onPeerDown
		c.adapter = c.direct
	} else {
		c.adapter = media.NewRelay(c.dev, c.conf.Media,
			c.shipper(ch.Id), c.log)
	}
	c.mode = mode
	c.channel = ch
	c.stale = false
	c.view.Reset()

	if err := c.out.Send(api.JoinChannel, api.ChannelJoin{ChannelId: ch.Id, UserId: c.userId}); err != nil {
		c.teardownLocked()
		c.channel = config.Channel{}
		c.state = Idle
		return err
	}
	c.state = Active
	c.log.Info().Msgf("joined [%v] in %v mode", ch.Id, mode)
	c.notifier.Cue(CueJoin)
	return nil
}

// Leave exits the current channel. No-op when idle.
func (c *Controller) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveLocked()
}

func (c *Controller) leaveLocked() {
	if c.state == Idle {
		return
	}
	ch := c.channel
	c.state = Leaving
	c.endTransmitLocked()
	c.teardownLocked()
	_ = c.out.Send(api.LeaveChannel, api.ChannelJoin{ChannelId: ch.Id, UserId: c.userId})
	c.view.Reset()
	c.channel = config.Channel{}
	c.stale = false
	c.state = Idle
	c.log.Info().Msgf("left [%v]", ch.Id)
	c.notifier.Cue(CueLeave)
}

// teardownLocked drains peers and releases media without touching the
// membership state.
func (c *Controller) teardownLocked() {
	if c.reg != nil {
		c.reg.DestroyAll()
		c.reg = nil
	}
	if c.adapter != nil {
		c.adapter.Close()
		c.adapter = nil
	}
	c.direct = nil
}

// BeginTransmit presses the talk key. The start marker goes out before
// audio flows so listeners light up no later than the voice arrives.
func (c *Controller) BeginTransmit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active || c.transmitting || c.muteSend.Load() {
		return nil
	}
	if err := c.out.Send(api.TransmissionStart, api.Transmission{ChannelId: c.channel.Id, UserId: c.userId}); err != nil {
		return err
	}
	if err := c.adapter.BeginTransmit(); err != nil {
		_ = c.out.Send(api.TransmissionEnd, api.Transmission{ChannelId: c.channel.Id, UserId: c.userId})
		return err
	}
	c.transmitting = true
	c.startPushTickerLocked()
	c.notifier.Cue(CuePush)
	return nil
}

// EndTransmit releases the talk key. Audio stops (or the clip ships)
// before the end marker goes out.
func (c *Controller) EndTransmit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTransmitLocked()
}

func (c *Controller) endTransmitLocked() error {
	if !c.transmitting {
		return nil
	}
	c.transmitting = false
	c.stopPushTickerLocked()
	if err := c.adapter.EndTransmit(); err != nil {
		switch {
		case errors.Is(err, media.ErrClipTooBig), errors.Is(err, media.ErrEmptyClip):
			c.metrics.ClipsDropped.Inc()
			c.log.Warn().Err(err).Msg("clip not shipped")
		default:
			c.log.Error().Err(err).Msg("transmit end")
		}
	} else {
		c.metrics.TransmissionsSent.Inc()
	}
	err := c.out.Send(api.TransmissionEnd, api.Transmission{ChannelId: c.channel.Id, UserId: c.userId})
	c.notifier.Cue(CueRelease)
	return err
}

func (c *Controller) startPushTickerLocked() {
	done := make(chan struct{})
	c.pushDone = done
	started := time.Now()
	go func() {
		tick := time.NewTicker(pushTick)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if c.OnTick != nil {
					c.OnTick(time.Since(started))
				}
			case <-done:
				return
			}
		}
	}()
}

func (c *Controller) stopPushTickerLocked() {
	if c.pushDone != nil {
		close(c.pushDone)
		c.pushDone = nil
	}
}

// broadcast fans captured frames out through the current registry.
func (c *Controller) broadcast(data []byte, dur time.Duration) {
	c.mu.Lock()
	reg := c.reg
	c.mu.Unlock()
	if reg != nil {
		reg.Broadcast(data, dur)
	}
}

// shipper addresses finished relay clips to the joined channel.
func (c *Controller) shipper(channelId string) func(clip string, ts int64) error {
	return func(clip string, ts int64) error {
		return c.out.Send(api.AudioData, api.AudioClip{
			ChannelId: channelId,
			UserId:    c.userId,
			AudioData: clip,
			Timestamp: ts,
		})
	}
}

// onPeerDown runs off a pion callback; it must not take c.mu since a
// controller op may be closing that very peer while holding it.
func (c *Controller) onPeerDown(remoteId string) {
	c.metrics.PeersLost.Inc()
	c.view.TransmissionEnded(remoteId)
}

func (c *Controller) onRoster(p api.In) {
	snap := api.Unwrap[api.RosterSnapshot](p.Payload)
	if snap == nil {
		c.log.Error().Msg("malformed roster")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle || snap.ChannelId != c.channel.Id {
		return
	}
	// a snapshot only names who is here; sessions come from offers or
	// later join deltas, never from here
	users := make([]string, 0, len(snap.Users))
	for _, u := range snap.Users {
		if u != c.userId {
			users = append(users, u)
		}
	}
	c.view.SetRoster(snap.ChannelId, users)
}

func (c *Controller) onUserJoined(p api.In) {
	j := api.Unwrap[api.ChannelJoin](p.Payload)
	if j == nil || j.UserId == c.userId {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active || j.ChannelId != c.channel.Id {
		return
	}
	c.view.Join(j.UserId)
	if c.reg == nil {
		return
	}
	// we were here first, so we dial the newcomer
	if _, err := c.reg.Create(j.UserId, webrtc.Initiator); err != nil {
		c.log.Error().Err(err).Msgf("dial [%v]", j.UserId)
		return
	}
	c.metrics.PeersCreated.Inc()
}

func (c *Controller) onUserLeft(p api.In) {
	j := api.Unwrap[api.ChannelJoin](p.Payload)
	if j == nil || j.UserId == c.userId {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle || j.ChannelId != c.channel.Id {
		return
	}
	c.view.Leave(j.UserId)
	if c.reg != nil {
		c.reg.Destroy(j.UserId)
	}
	if c.direct != nil {
		c.direct.DropSink(j.UserId)
	}
}

func (c *Controller) onOffer(p api.In) {
	s := c.unwrapSignal(p)
	if s == nil {
		return
	}
	c.withRegistry(func(reg *Registry) {
		had := reg.Has(s.From)
		reg.HandleOffer(s.From, s.Offer)
		if !had && reg.Has(s.From) {
			c.metrics.PeersCreated.Inc()
		}
	})
}

func (c *Controller) onAnswer(p api.In) {
	s := c.unwrapSignal(p)
	if s == nil {
		return
	}
	c.withRegistry(func(reg *Registry) { reg.HandleAnswer(s.From, s.Answer) })
}

func (c *Controller) onCandidate(p api.In) {
	s := c.unwrapSignal(p)
	if s == nil {
		return
	}
	c.withRegistry(func(reg *Registry) { reg.HandleCandidate(s.From, s.Candidate) })
}

func (c *Controller) unwrapSignal(p api.In) *api.Signal {
	s := api.Unwrap[api.Signal](p.Payload)
	if s == nil || s.From == "" || s.From == c.userId {
		return nil
	}
	if s.To != "" && s.To != c.userId {
		return nil
	}
	return s
}

func (c *Controller) withRegistry(fn func(reg *Registry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active || c.reg == nil {
		return
	}
	fn(c.reg)
}

func (c *Controller) onTransmissionStart(p api.In) {
	tr := api.Unwrap[api.Transmission](p.Payload)
	if tr == nil || tr.UserId == c.userId {
		return
	}
	c.mu.Lock()
	live := c.state == Active && tr.ChannelId == c.channel.Id
	c.mu.Unlock()
	if !live {
		return
	}
	c.view.TransmissionStarted(tr.ChannelId, tr.UserId, time.Now())
	c.metrics.TransmissionsReceived.Inc()
	if !c.dnd.Load() && !c.muteReceive.Load() {
		c.notifier.Cue(CueIncoming)
		c.notifier.Notify("Incoming", tr.UserId+" is transmitting")
	}
}

func (c *Controller) onTransmissionEnd(p api.In) {
	tr := api.Unwrap[api.Transmission](p.Payload)
	if tr == nil || tr.UserId == c.userId {
		return
	}
	c.view.TransmissionEnded(tr.UserId)
}

func (c *Controller) onAudioClip(p api.In) {
	clip := api.Unwrap[api.AudioClip](p.Payload)
	if clip == nil || clip.UserId == c.userId {
		return
	}
	c.mu.Lock()
	relay, _ := c.adapter.(*media.Relay)
	live := c.state == Active && clip.ChannelId == c.channel.Id
	c.mu.Unlock()
	if !live || relay == nil {
		return
	}
	// a muted or DND receiver still sees the talk indicator, it just
	// stays silent
	if c.muteReceive.Load() || c.dnd.Load() {
		return
	}
	if err := relay.Accept(clip.AudioData, clip.Timestamp); err != nil {
		c.metrics.ClipsDropped.Inc()
		c.log.Error().Err(err).Msgf("clip from [%v]", clip.UserId)
	}
}

func (c *Controller) onStatus(p api.In) {
	st := api.Unwrap[api.Status](p.Payload)
	if st == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !st.Connected && c.state == Active {
		// membership is not re-announced on reconnect; the user rejoins
		c.stale = true
		c.log.Warn().Msgf("link lost while in [%v], membership is stale", c.channel.Id)
	}
}

func (c *Controller) onConnError(p api.In) {
	st := api.Unwrap[api.Status](p.Payload)
	reason := ""
	if st != nil {
		reason = st.Reason
	}
	c.log.Error().Msgf("signaling gave up: %v", reason)
}
