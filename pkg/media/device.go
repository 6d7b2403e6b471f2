package media

import "time"

// Device abstracts the platform audio hardware. Implementations live
// outside this module (mobile shells, test fakes); everything here
// treats the device as a black box.
type Device interface {
	// Continuous capture of encoded frames while the talk key is held.
	CaptureStart(sink func(data []byte, dur time.Duration)) error
	CaptureStop() error

	// Whole-clip recording for the relay path.
	RecordStart() error
	RecordStop() ([]byte, error)

	// OpenSink allocates a playback line for one remote voice.
	OpenSink(id string) (Sink, error)

	// Play renders a complete clip file once.
	Play(path string) error
}

// Sink is one remote participant's playback line.
type Sink interface {
	Write(data []byte, dur time.Duration) error
	Close() error
}

// NopDevice discards everything. Used for headless runs and tests.
type NopDevice struct{}

func (NopDevice) CaptureStart(func(data []byte, dur time.Duration)) error { return nil }
func (NopDevice) CaptureStop() error                                      { return nil }
func (NopDevice) RecordStart() error                                      { return nil }
func (NopDevice) RecordStop() ([]byte, error)                             { return nil, nil }
func (NopDevice) OpenSink(string) (Sink, error)                           { return nopSink{}, nil }
func (NopDevice) Play(string) error                                       { return nil }

type nopSink struct{}

func (nopSink) Write([]byte, time.Duration) error { return nil }
func (nopSink) Close() error                      { return nil }
