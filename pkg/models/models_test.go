package models_test

import (
	"testing"

	"github.com/kiranshivaraju/songforge/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	assert.True(t, models.KindTextToMusic.Valid())
	assert.True(t, models.KindLyrics.Valid())
	assert.False(t, models.Kind("video").Valid())

	assert.True(t, models.KindAudioToMusic.CountsTowardQuota())
	assert.False(t, models.KindLyrics.CountsTowardQuota())
}

func TestStatus_Lattice(t *testing.T) {
	assert.Less(t, models.StatusPending.Rank(), models.StatusPartial.Rank())
	assert.Less(t, models.StatusPartial.Rank(), models.StatusComplete.Rank())
	assert.True(t, models.StatusComplete.Terminal())
	assert.True(t, models.StatusFailed.Terminal())
	assert.False(t, models.StatusPartial.Terminal())
}

func TestTrack_Playable(t *testing.T) {
	assert.True(t, models.Track{ID: "a", StreamURL: "https://cdn.test/a"}.Playable())
	assert.True(t, models.Track{ID: "a", AudioURL: "https://cdn.test/a.mp3"}.Playable())
	assert.False(t, models.Track{ID: "a", ImageURL: "https://cdn.test/a.jpg"}.Playable())
}

func TestAPIKey_HasScope(t *testing.T) {
	key := &models.APIKey{Scopes: models.DefaultScopes}
	assert.True(t, key.HasScope(models.ScopeWrite))
	assert.False(t, key.HasScope(models.ScopeAdmin))
}
