// Package mediatest provides in-memory capture sources for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/media"
)

// Track is a sample track that counts how often it was stopped.
type Track struct {
	*webrtc.TrackLocalStaticSample
	closes atomic.Int32
}

var _ media.Track = (*Track)(nil)

var trackSeq atomic.Int64

// NewTrack creates an Opus or VP8 track depending on kind.
func NewTrack(kind webrtc.RTPCodecType) *Track {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == webrtc.RTPCodecTypeVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	id := fmt.Sprintf("%s-%d", kind, trackSeq.Add(1))
	t, err := webrtc.NewTrackLocalStaticSample(codec, id, "mediatest")
	if err != nil {
		panic(err)
	}
	return &Track{TrackLocalStaticSample: t}
}

func (t *Track) Close() error {
	t.closes.Add(1)
	return nil
}

// Closes reports how many times Close was called.
func (t *Track) Closes() int { return int(t.closes.Load()) }

// Source hands out fake tracks. Tiers listed in Fail return that error;
// tiers listed in Partial return only the audio track.
type Source struct {
	Fail    map[string]error
	Partial map[string]bool

	mu     sync.Mutex
	opened []media.Tier
	tracks []*Track
}

var _ media.Source = (*Source)(nil)

func (s *Source) Open(ctx context.Context, tier media.Tier) ([]media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, tier)

	if err := s.Fail[tier.Name]; err != nil {
		return nil, err
	}

	var out []media.Track
	if tier.Audio {
		t := NewTrack(webrtc.RTPCodecTypeAudio)
		s.tracks = append(s.tracks, t)
		out = append(out, t)
	}
	if tier.Video && !s.Partial[tier.Name] {
		t := NewTrack(webrtc.RTPCodecTypeVideo)
		s.tracks = append(s.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

// Opened lists the tiers requested so far, in order.
func (s *Source) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.opened))
	for i, t := range s.opened {
		names[i] = t.Name
	}
	return names
}

// Tracks lists every track handed out so far.
func (s *Source) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Track(nil), s.tracks...)
}
