package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier is the subscription level of a user. The ordering is total:
// Individual < SmallBusiness < Organization, so access checks are plain
// comparisons instead of a ranking table.
type Tier int

const (
	TierIndividual Tier = iota
	TierSmallBusiness
	TierOrganization
)

var tierNames = map[Tier]string{
	TierIndividual:    "individual",
	TierSmallBusiness: "small-business",
	TierOrganization:  "organization",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "individual"
}

// AtLeast reports whether the tier grants access to features requiring the
// given tier.
func (t Tier) AtLeast(required Tier) bool { return t >= required }

// ParseTier maps a tier name to its value. The empty string maps to
// TierIndividual, the default for unsubscribed users.
func ParseTier(raw string) (Tier, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return TierIndividual, nil
	}
	for tier, name := range tierNames {
		if name == raw {
			return tier, nil
		}
	}
	return TierIndividual, fmt.Errorf("unknown subscription tier %q", raw)
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTier(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
