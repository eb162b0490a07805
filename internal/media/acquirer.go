package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/util"
)

// Track is a local capture track that can be attached to a peer connection
// and stopped. mediadevices tracks satisfy it.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Source opens capture devices for one tier. It either returns every
// requested track or an error.
type Source interface {
	Open(ctx context.Context, tier Tier) ([]Track, error)
}

var (
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceBusy       = errors.New("device busy")
	errIncomplete       = errors.New("source returned fewer tracks than requested")
)

// UnavailableError is returned when every tier of the ladder failed.
// It matches ErrMediaUnavailable and unwraps to the last attempt's error.
type UnavailableError struct {
	Attempts int
	Last     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("media unavailable after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrMediaUnavailable }
func (e *UnavailableError) Unwrap() error        { return e.Last }

// Acquirer walks a tier ladder until a Source delivers.
type Acquirer struct {
	src Source
}

func NewAcquirer(src Source) *Acquirer {
	return &Acquirer{src: src}
}

// Acquire tries primary, then each fallback in order, and returns a handle
// owning the first complete set of tracks.
func (a *Acquirer) Acquire(ctx context.Context, callType domain.CallType, primary Tier, fallbacks []Tier) (*LocalHandle, error) {
	tiers := attempts(callType, primary, fallbacks)

	var last error
	for i, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tracks, err := a.src.Open(ctx, tier)
		if err == nil {
			err = checkComplete(tier, tracks)
		}
		if err != nil {
			util.LogWarning("media tier %s failed (%s): %v", tier, cause(err), err)
			last = err
			continue
		}

		if i > 0 {
			util.LogInfo("using degraded media tier %s", tier)
		}
		return newLocalHandle(tier, tracks), nil
	}

	return nil, &UnavailableError{Attempts: len(tiers), Last: last}
}

// checkComplete closes tracks and fails unless every requested kind is present.
func checkComplete(tier Tier, tracks []Track) error {
	var audio, video bool
	for _, t := range tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			audio = true
		case webrtc.RTPCodecTypeVideo:
			video = true
		}
	}
	if (tier.Audio && !audio) || (tier.Video && !video) {
		closeAll(tracks)
		return errIncomplete
	}
	return nil
}

func closeAll(tracks []Track) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			util.LogDebug("closing track %s: %v", t.ID(), err)
		}
	}
}

func cause(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission denied"
	case errors.Is(err, ErrDeviceNotFound):
		return "not found"
	case errors.Is(err, ErrDeviceBusy):
		return "busy"
	case errors.Is(err, errIncomplete):
		return "incomplete"
	default:
		return "other"
	}
}
