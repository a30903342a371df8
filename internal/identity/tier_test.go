package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierOrdering(t *testing.T) {
	assert.True(t, TierOrganization.AtLeast(TierSmallBusiness))
	assert.True(t, TierOrganization.AtLeast(TierOrganization))
	assert.True(t, TierSmallBusiness.AtLeast(TierIndividual))
	assert.False(t, TierIndividual.AtLeast(TierSmallBusiness))
	assert.False(t, TierSmallBusiness.AtLeast(TierOrganization))
}

func TestParseTier(t *testing.T) {
	for raw, want := range map[string]Tier{
		"":               TierIndividual,
		"individual":     TierIndividual,
		"Small-Business": TierSmallBusiness,
		" organization ": TierOrganization,
	} {
		got, err := ParseTier(raw)
		require.NoError(t, err, "raw=%q", raw)
		assert.Equal(t, want, got, "raw=%q", raw)
	}

	if _, err := ParseTier("platinum"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestTierJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(TierSmallBusiness)
	require.NoError(t, err)
	assert.Equal(t, `"small-business"`, string(data))

	var tier Tier
	require.NoError(t, json.Unmarshal([]byte(`"organization"`), &tier))
	assert.Equal(t, TierOrganization, tier)
}
