// Package activity projects signaling traffic into the view state a
// frontend renders: who is in the channel, who is talking right now,
// and a short log of recent transmissions.
package activity

import (
	"sort"
	"sync"
	"time"
)

// cap of the recent-transmissions log
const recentMax = 10

type Entry struct {
	ChannelId string
	UserId    string
	At        time.Time
}

type State struct {
	mu           sync.Mutex
	channel      string
	participants map[string]struct{}
	transmitting map[string]struct{}
	recent       []Entry
}

func NewState() *State {
	return &State{
		participants: make(map[string]struct{}),
		transmitting: make(map[string]struct{}),
	}
}

// SetRoster replaces the whole view with a fresh channel snapshot.
func (s *State) SetRoster(channel string, users []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = channel
	s.participants = make(map[string]struct{}, len(users))
	for _, u := range users {
		s.participants[u] = struct{}{}
	}
	s.transmitting = make(map[string]struct{})
}

func (s *State) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *State) Join(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[user] = struct{}{}
}

// Leave forgets a user completely. A talker who drops out must not
// stay stuck in the talking set.
func (s *State) Leave(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, user)
	delete(s.transmitting, user)
}

func (s *State) TransmissionStarted(channel, user string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transmitting[user]; ok {
		return
	}
	// a talker is evidently present even if the roster missed them
	s.participants[user] = struct{}{}
	s.transmitting[user] = struct{}{}
	s.recent = append(s.recent, Entry{ChannelId: channel, UserId: user, At: at})
	if n := len(s.recent) - recentMax; n > 0 {
		s.recent = s.recent[n:]
	}
}

func (s *State) TransmissionEnded(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transmitting, user)
}

func (s *State) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.participants)
}

func (s *State) Transmitting() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.transmitting)
}

func (s *State) IsTransmitting(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.transmitting[user]
	return ok
}

// Recent lists the logged transmissions, oldest first.
func (s *State) Recent() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.recent))
	copy(out, s.recent)
	return out
}

// Reset drops everything, as on leaving a channel.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ""
	s.participants = make(map[string]struct{})
	s.transmitting = make(map[string]struct{})
	s.recent = nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
