package notifytest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	require.NoError(t, r.Notify(ctx, types.Notification{RecipientID: 1, Kind: types.NotifyScoringComplete}))
	require.NoError(t, r.Notify(ctx, types.Notification{RecipientID: 2, Kind: types.NotifyHighMatch}))

	assert.Len(t, r.Sent(), 2)
	assert.Len(t, r.OfKind(types.NotifyHighMatch), 1)
	assert.Empty(t, r.OfKind(types.NotifyManualReview))

	r.Reset()
	assert.Empty(t, r.Sent())
}
