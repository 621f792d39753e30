package call

import "sync"

// Stream is the set of local tracks sent on a call.
type Stream struct {
	mu     sync.Mutex
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracks := make([]Track, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

// Track returns the first track of kind, or nil.
func (s *Stream) Track(kind Kind) Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}

	return nil
}

func (s *Stream) AddTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *Stream) Kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds := make([]Kind, 0, len(s.tracks))
	for _, t := range s.tracks {
		kinds = append(kinds, t.Kind())
	}
	return kinds
}

// Stop stops every track.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tracks {
		t.Stop()
	}
}
