//go:build linux

package call

import (
	"context"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// localTrack adapts a captured mediadevices track to the Track interface.
type localTrack struct {
	t mediadevices.Track
}

func (l *localTrack) ID() string   { return l.t.ID() }
func (l *localTrack) Kind() string { return l.t.Kind().String() }
func (l *localTrack) Stop()        { l.t.Close() }

// initMediaPC creates the PeerConnection with VP8+Opus codecs and captures
// local camera/mic via pion/mediadevices (V4L2 + malgo on Linux).
func initMediaPC(ctx context.Context, iceServers []string) (*webrtc.PeerConnection, func(), []Track, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, nil, err
	}

	// Use generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call.  The default disconnectedTimeout is
	// 5 s — far too short for relay paths that can have short outages during
	// re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(iceConfiguration(iceServers))
	if err != nil {
		return nil, nil, nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL: no media devices found by pion/mediadevices")
	} else {
		for _, d := range devices {
			log.Printf("CALL: media device — kind=%v label=%q", d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either track (video OR audio) can't be
	// opened.  Try video+audio first, then video-only, then audio-only so that
	// a missing/busy microphone doesn't prevent the camera from working and
	// vice versa.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		if ctx.Err() != nil {
			pc.Close()
			return nil, nil, nil, ctx.Err()
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and makes SDP negotiation fail.  Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 — higher resolutions increase VP8 encoding
				// latency without helping a consultation call.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		mdTracks := stream.GetTracks()
		var tracks []Track
		for _, track := range mdTracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track ended: %v", err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Printf("CALL: AddTrack error: %v", err)
			}
			tracks = append(tracks, &localTrack{t: track})
		}

		log.Printf("CALL: local media captured (%s) — %d tracks", a.label, len(mdTracks))
		closeFn := func() {
			for _, t := range mdTracks {
				t.Close()
			}
		}
		return pc, closeFn, tracks, nil
	}

	// Camera and microphone both refused or absent. A consultation without
	// any local media is not a call the user can participate in.
	pc.Close()
	return nil, nil, nil, ErrMediaDenied
}
