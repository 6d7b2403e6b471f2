package media

import (
	"time"

	"github.com/walkie-app/walkie/pkg/com"
	"github.com/walkie-app/walkie/pkg/logger"
)

// Direct streams microphone frames straight to the connected peers.
// The broadcast function fans one frame out to every live peer link;
// frames captured while the talk key is up are dropped at the gate.
type Direct struct {
	dev       Device
	log       *logger.Logger
	broadcast func(data []byte, dur time.Duration)

	sending com.AtomicFlag
	sinks   *com.Map[string, Sink]
}

func NewDirect(dev Device, broadcast func(data []byte, dur time.Duration), log *logger.Logger) *Direct {
	return &Direct{dev: dev, broadcast: broadcast, log: log, sinks: com.NewMap[string, Sink]()}
}

func (d *Direct) Mode() Mode { return ModeDirect }

// BeginTransmit opens the gate. The capture pipeline starts on the
// first call and stays warm; repeat calls just flip the gate.
func (d *Direct) BeginTransmit() error {
	if !d.sending.Set() {
		return nil
	}
	return d.dev.CaptureStart(func(data []byte, dur time.Duration) {
		if d.sending.On() {
			d.broadcast(data, dur)
		}
	})
}

func (d *Direct) EndTransmit() error {
	if !d.sending.Unset() {
		return nil
	}
	return d.dev.CaptureStop()
}

// SinkFor returns the playback line for a remote voice, opening it on
// first use. Sinks outlive peer link churn, so a reconnecting peer
// lands back on its old line.
func (d *Direct) SinkFor(uid string) (Sink, error) {
	if sink, err := d.sinks.Find(uid); err == nil {
		return sink, nil
	}
	sink, err := d.dev.OpenSink(uid)
	if err != nil {
		return nil, err
	}
	d.sinks.Put(uid, sink)
	return sink, nil
}

// DropSink closes and forgets one remote voice line.
func (d *Direct) DropSink(uid string) {
	if sink, ok := d.sinks.Pop(uid); ok {
		if err := sink.Close(); err != nil {
			d.log.Error().Err(err).Msgf("sink close [%v]", uid)
		}
	}
}

func (d *Direct) Close() {
	_ = d.EndTransmit()
	d.sinks.Drain(func(sink Sink) { _ = sink.Close() })
}
