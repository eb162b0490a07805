// Package media acquires local capture tracks with a quality fallback ladder
// and tracks ownership of local and remote media for one call.
package media

import (
	"fmt"

	"github.com/1ureka/duocall/internal/domain"
)

// Tier is one capability request: which kinds to capture and, for video,
// the exact resolution to ask the camera for.
type Tier struct {
	Name      string
	Audio     bool
	Video     bool
	Width     int
	Height    int
	FrameRate float64
}

var (
	Tier1080p = Tier{Name: "1080p", Audio: true, Video: true, Width: 1920, Height: 1080, FrameRate: 30}
	Tier720p  = Tier{Name: "720p", Audio: true, Video: true, Width: 1280, Height: 720, FrameRate: 30}
	Tier480p  = Tier{Name: "480p", Audio: true, Video: true, Width: 640, Height: 480, FrameRate: 24}
	TierAudio = Tier{Name: "audio", Audio: true}
)

// Ladder returns the default primary tier and its fallbacks for a call type,
// best quality first.
func Ladder(t domain.CallType) (primary Tier, fallbacks []Tier) {
	if t == domain.CallVideo {
		return Tier1080p, []Tier{Tier720p, Tier480p, TierAudio}
	}
	return TierAudio, nil
}

func (t Tier) String() string {
	if !t.Video {
		return t.Name
	}
	return fmt.Sprintf("%s (%dx%d@%.0f)", t.Name, t.Width, t.Height, t.FrameRate)
}

// audioOnly strips the video request from t.
func (t Tier) audioOnly() Tier {
	if !t.Video {
		return t
	}
	return TierAudio
}

// attempts flattens primary+fallbacks into the list actually tried: video is
// stripped for audio calls, and identical requests are only tried once.
func attempts(callType domain.CallType, primary Tier, fallbacks []Tier) []Tier {
	all := append([]Tier{primary}, fallbacks...)
	out := make([]Tier, 0, len(all))
	seen := make(map[Tier]bool, len(all))
	for _, t := range all {
		if callType == domain.CallAudio {
			t = t.audioOnly()
		}
		key := t
		key.Name = ""
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
