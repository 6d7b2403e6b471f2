// Package media picks and drives one of the two voice paths: direct
// streaming over peer links, or store-and-forward clips through the
// server when no peer link can be built. The path is probed once per
// join and never changes mid-session.
package media

type Mode uint8

const (
	ModeDirect Mode = iota
	ModeRelay
)

func (m Mode) String() string {
	if m == ModeDirect {
		return "direct"
	}
	return "relay"
}

// Adapter is the talk-key facade the session layer drives.
type Adapter interface {
	Mode() Mode
	BeginTransmit() error
	EndTransmit() error
	Close()
}

// Detect probes whether the direct path is available; any probe
// failure demotes the whole session to relay.
func Detect(probe func() error) Mode {
	if probe == nil || probe() != nil {
		return ModeRelay
	}
	return ModeDirect
}
