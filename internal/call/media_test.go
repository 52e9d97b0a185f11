package call

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireFallsBackThroughTiers(t *testing.T) {
	denied := &MediaError{Reason: ReasonPermissionDenied}
	missing := &MediaError{Reason: ReasonDeviceMissing}
	busy := &MediaError{Reason: ReasonDeviceBusy, Err: errors.New("in use")}
	other := errors.New("overconstrained")

	tests := []struct {
		name      string
		wantVideo bool
		failures  []error
		calls     int
		video     bool
		reason    Reason
		wantErr   bool
	}{
		{name: "audio call", wantVideo: false, calls: 1},
		{name: "constrained video", wantVideo: true, calls: 1, video: true},
		{name: "basic video", wantVideo: true, failures: []error{other}, calls: 2, video: true},
		{name: "no camera", wantVideo: true, failures: []error{other, missing}, calls: 3},
		{name: "camera busy", wantVideo: true, failures: []error{missing, busy}, calls: 3},
		{name: "permission denied", wantVideo: true, failures: []error{denied, denied}, calls: 2, reason: ReasonPermissionDenied, wantErr: true},
		{name: "audio denied", wantVideo: false, failures: []error{denied}, calls: 1, reason: ReasonPermissionDenied, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeMedia{failures: tt.failures}
			st, err := Acquire(context.Background(), src, tt.wantVideo, DefaultVideoQuality)
			assert.Equal(t, tt.calls, src.callCount())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.reason, ReasonOf(err))
				assert.Nil(t, st)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.video, st.HasVideo())
			assert.Len(t, st.AudioTracks(), 1)
		})
	}
}

func TestAcquireConstraintsPerTier(t *testing.T) {
	src := &fakeMedia{failures: []error{errors.New("x"), &MediaError{Reason: ReasonDeviceMissing}}}
	_, err := Acquire(context.Background(), src, true, VideoQuality{MaxWidth: 320, MaxHeight: 240, FrameRate: 15})
	require.NoError(t, err)

	assert.Equal(t, []Constraints{
		{Video: true, MaxWidth: 320, MaxHeight: 240, FrameRate: 15, EnhancedAudio: true},
		{Video: true},
		{EnhancedAudio: true},
	}, src.calls)
}

func TestReasonOf(t *testing.T) {
	wrapped := fmt.Errorf("capture: %w", &MediaError{Reason: ReasonDeviceBusy})
	assert.Equal(t, ReasonDeviceBusy, ReasonOf(wrapped))
	assert.Equal(t, ReasonOther, ReasonOf(errors.New("boom")))
	assert.Equal(t, "permission denied", ReasonPermissionDenied.String())
}
