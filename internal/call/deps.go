package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/iceconfig"
	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/transport"
)

// ConfigSource supplies ICE configuration. *iceconfig.Provider satisfies it.
type ConfigSource interface {
	Get(ctx context.Context) iceconfig.Config
}

// MediaSource acquires local capture with a fallback ladder.
// *media.Acquirer satisfies it.
type MediaSource interface {
	Acquire(ctx context.Context, callType domain.CallType, primary media.Tier, fallbacks []media.Tier) (*media.LocalHandle, error)
}

// Connection is the peer connection of one session. *transport.Transport
// satisfies it.
type Connection interface {
	AddLocalTracks(h *media.LocalHandle) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer(remoteOffer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	Close() error
}

var (
	_ ConfigSource = (*iceconfig.Provider)(nil)
	_ MediaSource  = (*media.Acquirer)(nil)
	_ Connection   = (*transport.Transport)(nil)
)

// ConnectionFactory opens a Connection whose events go to obs.
type ConnectionFactory func(cfg iceconfig.Config, obs transport.Observer) (Connection, error)

// TransportFactory builds Connections with transport.New.
func TransportFactory(opts ...transport.Option) ConnectionFactory {
	return func(cfg iceconfig.Config, obs transport.Observer) (Connection, error) {
		t, err := transport.New(cfg, obs, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// Deps are the collaborators a Machine drives.
type Deps struct {
	Config  ConfigSource
	Media   MediaSource
	Connect ConnectionFactory
}
