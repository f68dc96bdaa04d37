package camera

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopAll(d *MockDevice) {
	for _, s := range d.Streams() {
		StopStream(s)
	}
}

func requireCode(t *testing.T, err error, want ErrorCode) {
	t.Helper()
	var camErr *Error
	require.True(t, errors.As(err, &camErr), "camera.Errorではありません: %v", err)
	assert.Equal(t, want, camErr.Code)
}

func TestNegotiate_HighestProfileFirst(t *testing.T) {
	device := NewMockDevice(WithoutFrames())
	defer stopAll(device)

	stream, err := NewNegotiator(device).Negotiate(context.Background(), FacingUser, DefaultProfiles)
	require.NoError(t, err)

	track, ok := videoTrack(stream)
	require.True(t, ok)
	assert.Equal(t, 1920, track.Settings().Width)
	assert.Equal(t, 1080, track.Settings().Height)
	assert.Len(t, device.Requests(), 1)
}

func TestNegotiate_FallsBackInOrder(t *testing.T) {
	device := NewMockDevice(WithoutFrames(), WithSupportedProfiles(Profile{640, 480}))
	defer stopAll(device)

	stream, err := NewNegotiator(device).Negotiate(context.Background(), FacingEnvironment, DefaultProfiles)
	require.NoError(t, err)

	track, _ := videoTrack(stream)
	assert.Equal(t, 640, track.Settings().Width)
	assert.Equal(t, 480, track.Settings().Height)

	requests := device.Requests()
	require.Len(t, requests, 3)
	for i, p := range DefaultProfiles {
		assert.Equal(t, p.Width, requests[i].IdealWidth)
		assert.Equal(t, p.Height, requests[i].IdealHeight)
		assert.Equal(t, FacingEnvironment, requests[i].FacingMode)
	}
	assert.Equal(t, 1, device.LiveTracks())
}

func TestNegotiate_ReleasesPartialStreams(t *testing.T) {
	device := NewMockDevice(
		WithoutFrames(),
		WithPartialStreams(),
		WithFailures(ErrOverconstrained, ErrDeviceBusy),
	)
	defer stopAll(device)

	_, err := NewNegotiator(device).Negotiate(context.Background(), FacingUser, DefaultProfiles)
	require.NoError(t, err)

	streams := device.Streams()
	require.Len(t, streams, 3)
	assert.False(t, streams[0].Tracks()[0].Live())
	assert.False(t, streams[1].Tracks()[0].Live())
	assert.True(t, streams[2].Tracks()[0].Live())
	assert.Equal(t, 1, device.LiveTracks())
}

func TestNegotiate_Errors(t *testing.T) {
	testCases := []struct {
		name         string
		opts         []MockDeviceOption
		negotiator   []NegotiatorOption
		wantCode     ErrorCode
		wantRequests int
	}{
		{
			name:         "権限拒否は即座に中断",
			opts:         []MockDeviceOption{WithFailures(ErrPermissionDenied)},
			wantCode:     CodePermissionDenied,
			wantRequests: 1,
		},
		{
			name:         "デバイスなしは即座に中断",
			opts:         []MockDeviceOption{WithFailures(ErrDeviceNotFound)},
			wantCode:     CodeDeviceNotFound,
			wantRequests: 1,
		},
		{
			name:         "全プロファイル失敗",
			opts:         []MockDeviceOption{WithSupportedProfiles()},
			wantCode:     CodeResolutionError,
			wantRequests: 3,
		},
		{
			name: "最低解像度未満",
			opts: []MockDeviceOption{WithSettings(func(c Constraints) TrackSettings {
				return TrackSettings{Width: 320, Height: 240, FacingMode: c.FacingMode}
			})},
			wantCode:     CodeResolutionError,
			wantRequests: 1,
		},
		{
			name:         "高画質モードでは720pを拒否",
			opts:         []MockDeviceOption{WithSupportedProfiles(Profile{1280, 720})},
			negotiator:   []NegotiatorOption{WithMinimum(StrictMinimum)},
			wantCode:     CodeResolutionError,
			wantRequests: 2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			device := NewMockDevice(append([]MockDeviceOption{WithoutFrames()}, tc.opts...)...)
			defer stopAll(device)

			stream, err := NewNegotiator(device, tc.negotiator...).Negotiate(context.Background(), FacingUser, DefaultProfiles)
			assert.Nil(t, stream)
			requireCode(t, err, tc.wantCode)
			assert.Len(t, device.Requests(), tc.wantRequests)
			assert.Equal(t, 0, device.LiveTracks())
		})
	}
}

func TestNegotiate_CancelledContext(t *testing.T) {
	device := NewMockDevice(WithoutFrames())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewNegotiator(device).Negotiate(ctx, FacingUser, DefaultProfiles)
	requireCode(t, err, CodeInitializationError)
	assert.Equal(t, 0, device.LiveTracks())
}
