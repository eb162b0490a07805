package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
)

// DeviceSource opens real capture devices through mediadevices. Drivers and
// encoders are registered by the binary (blank-imported driver packages and
// the Codecs selector), keeping this package free of cgo.
type DeviceSource struct {
	Codecs *mediadevices.CodecSelector
}

var _ Source = (*DeviceSource)(nil)

// Open requests the tier's tracks. Video resolution is requested exactly so
// that an unsupported mode fails and the ladder can move on.
func (s *DeviceSource) Open(ctx context.Context, tier Tier) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.Codecs}
	if tier.Audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
		}
	}
	if tier.Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.IntExact(tier.Width)
			c.Height = prop.IntExact(tier.Height)
			c.FrameRate = prop.Float(tier.FrameRate)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}

	raw := stream.GetTracks()
	tracks := make([]Track, 0, len(raw))
	for _, t := range raw {
		lt, ok := t.(Track)
		if !ok {
			for _, r := range raw {
				r.Close()
			}
			return nil, fmt.Errorf("track %s cannot be sent over webrtc", t.ID())
		}
		tracks = append(tracks, lt)
	}
	return tracks, nil
}

// classify maps driver error text onto the package's device error kinds.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "failed to find"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return err
	}
}
