package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/walkie-app/walkie/pkg/com"
	"github.com/walkie-app/walkie/pkg/config"
	"github.com/walkie-app/walkie/pkg/logger"
)

// Relay ships whole voice clips through the server. Outgoing: record
// while the talk key is down, encode, hand the blob to the shipper.
// Incoming: decode to a scratch file and play it once, with a newer
// clip displacing whatever was queued before it.
type Relay struct {
	dev  Device
	log  *logger.Logger
	conf config.Media
	ship func(clip string, ts int64) error

	recording com.AtomicFlag

	mu      sync.Mutex
	current string
}

var (
	ErrClipTooBig = errors.New("clip exceeds size limit")
	ErrEmptyClip  = errors.New("empty clip")
)

func NewRelay(dev Device, conf config.Media, ship func(clip string, ts int64) error, log *logger.Logger) *Relay {
	return &Relay{dev: dev, conf: conf, ship: ship, log: log}
}

func (r *Relay) Mode() Mode { return ModeRelay }

func (r *Relay) BeginTransmit() error {
	if !r.recording.Set() {
		return nil
	}
	return r.dev.RecordStart()
}

// EndTransmit finishes the recording and ships the clip. A clip over
// the size limit is dropped here rather than bounced by the server.
func (r *Relay) EndTransmit() error {
	if !r.recording.Unset() {
		return nil
	}
	data, err := r.dev.RecordStop()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrEmptyClip
	}
	if r.conf.ClipMaxSize > 0 && len(data) > r.conf.ClipMaxSize {
		r.log.Warn().Msgf("dropping %v byte clip, limit is %v", len(data), r.conf.ClipMaxSize)
		return ErrClipTooBig
	}
	return r.ship(base64.StdEncoding.EncodeToString(data), time.Now().UnixMilli())
}

// Accept plays back one incoming clip. Only the newest clip matters:
// an unplayed predecessor is discarded together with its file.
func (r *Relay) Accept(clip string, ts int64) error {
	data, err := base64.StdEncoding.DecodeString(clip)
	if err != nil {
		return err
	}
	path := filepath.Join(r.dir(), fmt.Sprintf("temp_audio_%d.m4a", ts))
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	r.mu.Lock()
	if r.current != "" {
		_ = os.Remove(r.current)
	}
	r.current = path
	r.mu.Unlock()

	go func() {
		if err := r.dev.Play(path); err != nil {
			r.log.Error().Err(err).Msg("clip playback")
		}
		r.mu.Lock()
		if r.current == path {
			r.current = ""
			_ = os.Remove(path)
		}
		r.mu.Unlock()
	}()
	return nil
}

func (r *Relay) dir() string {
	if r.conf.ClipDir != "" {
		return r.conf.ClipDir
	}
	return os.TempDir()
}

// Close discards any recording in flight instead of shipping it.
func (r *Relay) Close() {
	if r.recording.Unset() {
		_, _ = r.dev.RecordStop()
	}
	r.mu.Lock()
	if r.current != "" {
		_ = os.Remove(r.current)
		r.current = ""
	}
	r.mu.Unlock()
}
