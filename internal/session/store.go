/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package session tracks per-device video playback and announcement state.
// Entries are created lazily on first command and never deleted: each one is
// the last-known state of a logical device, which is what resume decisions
// are computed from.
package session

import (
	"sync"
	"time"
)

// State is the playback and announcement record for one logical device.
type State struct {
	DeviceID     string `json:"deviceId"`
	LastVideoURL string `json:"lastVideoUrl,omitempty"`
	IsPlaying    bool   `json:"isPlaying"`

	PausedAt    *time.Time `json:"pausedAt,omitempty"`
	PauseReason string     `json:"pauseReason,omitempty"`

	AnnouncementActive    bool   `json:"announcementActive"`
	AnnouncementFrom      string `json:"announcementFrom,omitempty"`
	AnnouncementSessionID string `json:"announcementSessionId,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Store holds session state keyed by logical device id.
type Store struct {
	mu     sync.Mutex
	states map[string]*State
	now    func() time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		states: make(map[string]*State),
		now:    time.Now,
	}
}

// get returns the entry for deviceID, creating it if absent. Caller holds mu.
func (s *Store) get(deviceID string) *State {
	st, ok := s.states[deviceID]
	if !ok {
		st = &State{DeviceID: deviceID}
		s.states[deviceID] = st
	}
	return st
}

// Play records a play command: the URL becomes the device's last video and
// playback is marked active.
func (s *Store) Play(deviceID, url string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(deviceID)
	st.LastVideoURL = url
	st.IsPlaying = true
	st.PausedAt = nil
	st.PauseReason = ""
	st.UpdatedAt = s.now()
	return *st
}

// Stop marks playback inactive. The last video URL is kept: stopping is not
// the same as forgetting what was playing.
func (s *Store) Stop(deviceID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(deviceID)
	st.IsPlaying = false
	st.PausedAt = nil
	st.PauseReason = ""
	st.UpdatedAt = s.now()
	return *st
}

// Pause suspends playback and records when and why.
func (s *Store) Pause(deviceID, reason string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(deviceID)
	now := s.now()
	st.IsPlaying = false
	st.PausedAt = &now
	st.PauseReason = reason
	st.UpdatedAt = now
	return *st
}

// Resume restarts playback and clears the pause record.
func (s *Store) Resume(deviceID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(deviceID)
	st.IsPlaying = true
	st.PausedAt = nil
	st.PauseReason = ""
	st.UpdatedAt = s.now()
	return *st
}

// ReportState ingests a state report sent by the device itself.
func (s *Store) ReportState(deviceID string, playing bool, url string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(deviceID)
	st.IsPlaying = playing
	if url != "" {
		st.LastVideoURL = url
	}
	st.UpdatedAt = s.now()
	return *st
}

// AnnouncementStart suspends the device's video for a live announcement from
// the given dashboard. One session id covers every target of a single
// announcement call, so the caller supplies it. The last video URL is
// preserved so playback can be restored when the announcement ends.
func (s *Store) AnnouncementStart(deviceID, from, sessionID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(deviceID)
	st.IsPlaying = false
	st.AnnouncementActive = true
	st.AnnouncementFrom = from
	st.AnnouncementSessionID = sessionID
	st.UpdatedAt = s.now()
	return *st
}

// AnnouncementEnd clears the announcement flags and reports what, if
// anything, the device should resume. The last video URL is read before the
// flags are cleared: resume is commanded exactly when a URL was on record.
func (s *Store) AnnouncementEnd(deviceID string) (resumeURL string, resume bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(deviceID)
	resumeURL = st.LastVideoURL
	resume = resumeURL != ""
	st.AnnouncementActive = false
	st.AnnouncementFrom = ""
	st.AnnouncementSessionID = ""
	st.IsPlaying = resume
	st.UpdatedAt = s.now()
	return resumeURL, resume
}

// AnnouncementInitiator returns the dashboard that started the device's
// active announcement, if one is in progress.
func (s *Store) AnnouncementInitiator(deviceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[deviceID]
	if !ok || !st.AnnouncementActive {
		return "", false
	}
	return st.AnnouncementFrom, true
}

// Get returns the state for a device if one has been recorded.
func (s *Store) Get(deviceID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[deviceID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Snapshot returns a copy of every recorded state, keyed by device id.
func (s *Store) Snapshot() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.states))
	for id, st := range s.states {
		out[id] = *st
	}
	return out
}
