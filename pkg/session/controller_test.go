package session

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/walkie-app/walkie/pkg/api"
	"github.com/walkie-app/walkie/pkg/config"
	"github.com/walkie-app/walkie/pkg/logger"
	"github.com/walkie-app/walkie/pkg/media"
	"github.com/walkie-app/walkie/pkg/signaling"
	"github.com/walkie-app/walkie/pkg/webrtc"
)

type fakeSignaler struct {
	fakeSender
	hmu       sync.Mutex
	handlers  map[api.Event]signaling.Handler
	connected bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[api.Event]signaling.Handler), connected: true}
}

func (f *fakeSignaler) Subscribe(event api.Event, fn signaling.Handler) {
	f.hmu.Lock()
	f.handlers[event] = fn
	f.hmu.Unlock()
}

func (f *fakeSignaler) Connected() bool { return f.connected }

// inject delivers an event the way the read pump would.
func (f *fakeSignaler) inject(t *testing.T, event api.Event, payload any) {
	t.Helper()
	f.hmu.Lock()
	fn := f.handlers[event]
	f.hmu.Unlock()
	if fn == nil {
		t.Fatalf("no handler for [%v]", event)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	fn(api.In{T: event, Payload: raw})
}

type fakeNotifier struct {
	mu   sync.Mutex
	cues []Cue
}

func (n *fakeNotifier) Cue(c Cue) {
	n.mu.Lock()
	n.cues = append(n.cues, c)
	n.mu.Unlock()
}
func (n *fakeNotifier) Notify(string, string) {}
func (n *fakeNotifier) count(c Cue) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, got := range n.cues {
		if got == c {
			total++
		}
	}
	return total
}

func testConf() config.Config {
	conf := config.Config{}
	conf.App.UserId = "me"
	conf.App.Channels = []config.Channel{
		{Id: "1", Name: "General", Frequency: "462.5625"},
		{Id: "2", Name: "Ops", Frequency: "462.5875"},
	}
	return conf
}

func testController(t *testing.T, out *fakeSignaler, dev media.Device) *Controller {
	c, _ := notifiedController(t, out, dev)
	return c
}

func notifiedController(t *testing.T, out *fakeSignaler, dev media.Device) (*Controller, *fakeNotifier) {
	t.Helper()
	l := logger.Default()
	factory, err := webrtc.NewApiFactory(config.Webrtc{}, l, nil)
	if err != nil {
		t.Fatal(err)
	}
	n := &fakeNotifier{}
	c := NewController(testConf(), out, factory, dev, n, NewMetrics(prometheus.NewRegistry()), l)
	t.Cleanup(c.Leave)
	return c, n
}

func relayController(t *testing.T, out *fakeSignaler, dev media.Device) *Controller {
	t.Helper()
	c := testController(t, out, dev)
	c.probe = func() error { return errors.New("no webrtc runtime") }
	return c
}

func (c *Controller) sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reg == nil {
		return 0
	}
	return c.reg.Len()
}

func TestJoinPreconditions(t *testing.T) {
	out := newFakeSignaler()
	c := testController(t, out, &fakeDevice{})
	if err := c.Join("nope"); err != ErrUnknownChannel {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
	out.connected = false
	if err := c.Join("1"); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	out.connected = true
	c.dev = nil
	if err := c.Join("1"); err != ErrNoCapability {
		t.Errorf("expected ErrNoCapability, got %v", err)
	}
	if c.State() != Idle {
		t.Errorf("failed join must stay idle, got %v", c.State())
	}
}

func TestJoinAnnouncesMembership(t *testing.T) {
	out := newFakeSignaler()
	c := testController(t, out, &fakeDevice{})
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	if c.State() != Active {
		t.Fatalf("expected active, got %v", c.State())
	}
	joins := out.byEvent(api.JoinChannel)
	if len(joins) != 1 {
		t.Fatalf("expected one join, got %v", len(joins))
	}
	j := joins[0].Payload.(api.ChannelJoin)
	if j.ChannelId != "1" || j.UserId != "me" {
		t.Errorf("wrong join envelope: %+v", j)
	}
}

func TestEmptyRosterCreatesNoSessions(t *testing.T) {
	out := newFakeSignaler()
	c := testController(t, out, &fakeDevice{})
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	out.inject(t, api.ChannelUsers, api.RosterSnapshot{ChannelId: "1", Users: nil})
	if got := c.sessions(); got != 0 {
		t.Errorf("empty roster, expected 0 sessions, got %v", got)
	}
}

func TestNewcomerDoesNotDialRoster(t *testing.T) {
	out := newFakeSignaler()
	c := testController(t, out, &fakeDevice{})
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	out.inject(t, api.ChannelUsers, api.RosterSnapshot{ChannelId: "1", Users: []string{"alice", "me"}})
	if got := c.sessions(); got != 0 {
		t.Errorf("a newcomer only answers offers, got %v sessions", got)
	}
	view := c.View().Participants()
	if len(view) != 1 || view[0] != "alice" {
		t.Errorf("expected [alice] (self filtered out), got %v", view)
	}
	if got := out.byEvent(api.WebrtcOffer); len(got) != 0 {
		t.Errorf("no offers expected, got %v", got)
	}
}

func TestExistingMemberDialsNewcomer(t *testing.T) {
	out := newFakeSignaler()
	c := testController(t, out, &fakeDevice{})
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	out.inject(t, api.UserJoined, api.ChannelJoin{ChannelId: "1", UserId: "bob"})
	if got := c.sessions(); got != 1 {
		t.Fatalf("expected one session toward bob, got %v", got)
	}
	offers := out.byEvent(api.WebrtcOffer)
	if len(offers) != 1 || offers[0].Payload.(api.Signal).To != "bob" {
		t.Errorf("expected one offer to bob, got %v", offers)
	}
}

func TestUserLeftDropsSession(t *testing.T) {
	out := newFakeSignaler()
	c := testController(t, out, &fakeDevice{})
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	out.inject(t, api.UserJoined, api.ChannelJoin{ChannelId: "1", UserId: "bob"})
	out.inject(t, api.TransmissionStart, api.Transmission{ChannelId: "1", UserId: "bob"})
	out.inject(t, api.UserLeft, api.ChannelJoin{ChannelId: "1", UserId: "bob"})
	if got := c.sessions(); got != 0 {
		t.Errorf("expected 0 sessions after bob left, got %v", got)
	}
	if c.View().IsTransmitting("bob") {
		t.Error("bob left, must not stay in the talking set")
	}
	if got := c.View().Participants(); len(got) != 0 {
		t.Errorf("expected empty roster, got %v", got)
	}
}

func TestChannelSwitchDrainsOldSessions(t *testing.T) {
	out := newFakeSignaler()
	c := testController(t, out, &fakeDevice{})
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	out.inject(t, api.UserJoined, api.ChannelJoin{ChannelId: "1", UserId: "bob"})
	if err := c.Join("2"); err != nil {
		t.Fatal(err)
	}
	if got := c.sessions(); got != 0 {
		t.Errorf("switching channels must drain old sessions, got %v", got)
	}
	leaves := out.byEvent(api.LeaveChannel)
	if len(leaves) != 1 || leaves[0].Payload.(api.ChannelJoin).ChannelId != "1" {
		t.Errorf("expected a leave for channel 1, got %v", leaves)
	}
	if c.Channel().Id != "2" {
		t.Errorf("expected channel 2, got %v", c.Channel().Id)
	}
}

func TestEventsForOtherChannelIgnored(t *testing.T) {
	out := newFakeSignaler()
	c := testController(t, out, &fakeDevice{})
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	out.inject(t, api.UserJoined, api.ChannelJoin{ChannelId: "2", UserId: "bob"})
	if got := c.sessions(); got != 0 {
		t.Errorf("cross-channel event must be ignored, got %v sessions", got)
	}
}

func TestTransmitIdempotence(t *testing.T) {
	out := newFakeSignaler()
	dev := &fakeDevice{clip: []byte("voice")}
	c := relayController(t, out, dev)
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	if c.Mode() != media.ModeRelay {
		t.Fatalf("expected relay mode, got %v", c.Mode())
	}
	if err := c.EndTransmit(); err != nil { // not pushing, no-op
		t.Fatal(err)
	}
	if err := c.BeginTransmit(); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginTransmit(); err != nil { // already pushing, no-op
		t.Fatal(err)
	}
	if err := c.EndTransmit(); err != nil {
		t.Fatal(err)
	}
	if err := c.EndTransmit(); err != nil {
		t.Fatal(err)
	}
	if got := len(out.byEvent(api.TransmissionStart)); got != 1 {
		t.Errorf("expected one start marker, got %v", got)
	}
	if got := len(out.byEvent(api.TransmissionEnd)); got != 1 {
		t.Errorf("expected one end marker, got %v", got)
	}
	if got := len(out.byEvent(api.AudioData)); got != 1 {
		t.Errorf("expected one shipped clip, got %v", got)
	}
}

func TestTransmitMarkerOrdering(t *testing.T) {
	out := newFakeSignaler()
	dev := &fakeDevice{clip: []byte("voice")}
	c := relayController(t, out, dev)
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginTransmit(); err != nil {
		t.Fatal(err)
	}
	if err := c.EndTransmit(); err != nil {
		t.Fatal(err)
	}
	var order []api.Event
	out.mu.Lock()
	for _, p := range out.sent {
		switch p.T {
		case api.TransmissionStart, api.TransmissionEnd, api.AudioData:
			order = append(order, p.T)
		}
	}
	out.mu.Unlock()
	want := []api.Event{api.TransmissionStart, api.AudioData, api.TransmissionEnd}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestMuteSendBlocksTransmit(t *testing.T) {
	out := newFakeSignaler()
	c := relayController(t, out, &fakeDevice{clip: []byte("x")})
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	c.SetMuteSend(true)
	if err := c.BeginTransmit(); err != nil {
		t.Fatal(err)
	}
	if got := out.byEvent(api.TransmissionStart); len(got) != 0 {
		t.Errorf("muted sender must not transmit, got %v", got)
	}
}

func TestMuteReceiveGatesPlaybackOnly(t *testing.T) {
	out := newFakeSignaler()
	dev := &fakeDevice{}
	c := relayController(t, out, dev)
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	c.SetMuteReceive(true)
	out.inject(t, api.TransmissionStart, api.Transmission{ChannelId: "1", UserId: "alice"})
	if !c.View().IsTransmitting("alice") {
		t.Error("the talk indicator must survive receive-mute")
	}
	clip := base64.StdEncoding.EncodeToString([]byte("hello"))
	out.inject(t, api.AudioData, api.AudioClip{ChannelId: "1", UserId: "alice", AudioData: clip, Timestamp: 1})
	time.Sleep(30 * time.Millisecond)
	if dev.playCount() != 0 {
		t.Error("receive-mute must gate playback")
	}

	c.SetMuteReceive(false)
	out.inject(t, api.AudioData, api.AudioClip{ChannelId: "1", UserId: "alice", AudioData: clip, Timestamp: 2})
	deadline := time.Now().Add(time.Second)
	for dev.playCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dev.playCount() != 1 {
		t.Errorf("expected one playback, got %v", dev.playCount())
	}
}

func TestDndGatesClipPlayback(t *testing.T) {
	out := newFakeSignaler()
	dev := &fakeDevice{}
	c := relayController(t, out, dev)
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	c.SetDnd(true)
	clip := base64.StdEncoding.EncodeToString([]byte("hello"))
	out.inject(t, api.AudioData, api.AudioClip{ChannelId: "1", UserId: "alice", AudioData: clip, Timestamp: 1})
	time.Sleep(30 * time.Millisecond)
	if dev.playCount() != 0 {
		t.Error("DND must gate clip playback")
	}

	c.SetDnd(false)
	out.inject(t, api.AudioData, api.AudioClip{ChannelId: "1", UserId: "alice", AudioData: clip, Timestamp: 2})
	deadline := time.Now().Add(time.Second)
	for dev.playCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dev.playCount() != 1 {
		t.Errorf("expected one playback after DND off, got %v", dev.playCount())
	}
}

func TestMuteReceiveGatesIncomingCue(t *testing.T) {
	out := newFakeSignaler()
	c, n := notifiedController(t, out, &fakeDevice{})
	c.probe = func() error { return errors.New("no webrtc runtime") }
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	c.SetMuteReceive(true)
	out.inject(t, api.TransmissionStart, api.Transmission{ChannelId: "1", UserId: "alice"})
	if got := n.count(CueIncoming); got != 0 {
		t.Errorf("mute-receive must gate the incoming cue, got %v", got)
	}
	if !c.View().IsTransmitting("alice") {
		t.Error("the talk indicator must survive receive-mute")
	}

	c.SetMuteReceive(false)
	out.inject(t, api.TransmissionEnd, api.Transmission{ChannelId: "1", UserId: "alice"})
	out.inject(t, api.TransmissionStart, api.Transmission{ChannelId: "1", UserId: "alice"})
	if got := n.count(CueIncoming); got != 1 {
		t.Errorf("expected one incoming cue after unmute, got %v", got)
	}
}

func TestSentCounterSkipsDroppedClips(t *testing.T) {
	out := newFakeSignaler()
	dev := &fakeDevice{} // empty clip, nothing ships
	c := relayController(t, out, dev)
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginTransmit(); err != nil {
		t.Fatal(err)
	}
	if err := c.EndTransmit(); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(c.metrics.TransmissionsSent); got != 0 {
		t.Errorf("a dropped clip must not count as sent, got %v", got)
	}
	if got := testutil.ToFloat64(c.metrics.ClipsDropped); got != 1 {
		t.Errorf("expected one dropped clip, got %v", got)
	}

	dev.mu.Lock()
	dev.clip = []byte("voice")
	dev.mu.Unlock()
	if err := c.BeginTransmit(); err != nil {
		t.Fatal(err)
	}
	if err := c.EndTransmit(); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(c.metrics.TransmissionsSent); got != 1 {
		t.Errorf("expected one sent transmission, got %v", got)
	}
}

func TestOwnClipIgnored(t *testing.T) {
	out := newFakeSignaler()
	dev := &fakeDevice{}
	c := relayController(t, out, dev)
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	clip := base64.StdEncoding.EncodeToString([]byte("echo"))
	out.inject(t, api.AudioData, api.AudioClip{ChannelId: "1", UserId: "me", AudioData: clip, Timestamp: 1})
	time.Sleep(30 * time.Millisecond)
	if dev.playCount() != 0 {
		t.Error("own clips must not play back")
	}
}

func TestStaleAfterLinkLoss(t *testing.T) {
	out := newFakeSignaler()
	c := relayController(t, out, &fakeDevice{})
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	out.inject(t, api.ConnectionStatus, api.Status{Connected: false, Reason: "eof"})
	if !c.Stale() {
		t.Fatal("membership should be stale after a drop")
	}
	out.inject(t, api.ConnectionStatus, api.Status{Connected: true})
	if !c.Stale() {
		t.Error("reconnect does not restore membership, stale must persist")
	}
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	if c.Stale() {
		t.Error("an explicit rejoin clears the stale flag")
	}
}

func TestPushTicker(t *testing.T) {
	out := newFakeSignaler()
	c := relayController(t, out, &fakeDevice{clip: []byte("x")})
	var mu sync.Mutex
	var seen []time.Duration
	c.OnTick = func(elapsed time.Duration) {
		mu.Lock()
		seen = append(seen, elapsed)
		mu.Unlock()
	}
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginTransmit(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(350 * time.Millisecond)
	if err := c.EndTransmit(); err != nil {
		t.Fatal(err)
	}
	// let a tick already in flight land before sampling
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := len(seen)
	mu.Unlock()
	if got < 2 {
		t.Fatalf("expected at least 2 ticks, got %v", got)
	}
	time.Sleep(250 * time.Millisecond)
	mu.Lock()
	after := len(seen)
	mu.Unlock()
	if after != got {
		t.Errorf("ticker leaked past release: %v then %v", got, after)
	}
}

func TestLeaveWhileTransmitting(t *testing.T) {
	out := newFakeSignaler()
	c := relayController(t, out, &fakeDevice{clip: []byte("x")})
	if err := c.Join("1"); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginTransmit(); err != nil {
		t.Fatal(err)
	}
	c.Leave()
	if got := len(out.byEvent(api.TransmissionEnd)); got != 1 {
		t.Errorf("leave must end the transmission, got %v end markers", got)
	}
	if got := len(out.byEvent(api.LeaveChannel)); got != 1 {
		t.Errorf("expected one leave, got %v", got)
	}
	if c.State() != Idle {
		t.Errorf("expected idle, got %v", c.State())
	}
	c.Leave() // idempotent
	if got := len(out.byEvent(api.LeaveChannel)); got != 1 {
		t.Errorf("repeat leave must be a no-op, got %v", got)
	}
}
