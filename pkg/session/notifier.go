package session

// Cue names the short user-facing moments the core surfaces; how a
// shell renders them (sound, haptic, toast) is its own business.
type Cue string

const (
	CueJoin     Cue = "join"
	CueLeave    Cue = "leave"
	CuePush     Cue = "push"
	CueRelease  Cue = "release"
	CueIncoming Cue = "incoming"
)

// Notifier is the outward-facing half of the UI contract.
type Notifier interface {
	Cue(cue Cue)
	Notify(title, body string)
}

type NopNotifier struct{}

func (NopNotifier) Cue(Cue)               {}
func (NopNotifier) Notify(string, string) {}
