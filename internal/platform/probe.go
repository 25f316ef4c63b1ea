package platform

import "encoding/json"

// DropProbe is the normalized result of the drop-progress probe
// (DropCurrentSessionContext), after collapsing away which of the three
// response shapes and which of the flat/nested variants the server
// happened to send. This is the tagged-union boundary spec.md §9's design
// note calls for: every other piece of code deals only with DropProbe,
// never with the raw dynamic tree.
type DropProbe struct {
	Valid                  bool
	DropID                 string
	DropInstanceID         string
	DropName               string
	RequiredMinutesWatched int
	CurrentMinutesWatched  int
	IsClaimed              bool
	BenefitName            string
}

// benefitEdgeRaw mirrors one element of a benefitEdges array.
type benefitEdgeRaw struct {
	Benefit struct {
		Name string `json:"name"`
	} `json:"benefit"`
}

// selfRaw covers the viewer-scoped fields, which appear either beside the
// drop fields (flat/Android) or nested under "self" (nested/Web).
type selfRaw struct {
	CurrentMinutesWatched int    `json:"currentMinutesWatched"`
	IsClaimed             bool   `json:"isClaimed"`
	DropInstanceID        string `json:"dropInstanceID"`
	DropName              string `json:"dropName"`
}

// dropSessionRaw is shape-tolerant: it can be unmarshaled from either the
// flat Android payload or the nested Web payload (drop{...} self{...})
// since JSON decoding simply leaves absent fields zero.
type dropSessionRaw struct {
	// Flat fields.
	DropID                 string           `json:"dropID"`
	RequiredMinutesWatched int              `json:"requiredMinutesWatched"`
	BenefitEdges           []benefitEdgeRaw `json:"benefitEdges"`

	// Nested fields.
	Drop *struct {
		ID                     string           `json:"id"`
		Name                   string           `json:"name"`
		RequiredMinutesWatched int              `json:"requiredMinutesWatched"`
		BenefitEdges           []benefitEdgeRaw `json:"benefitEdges"`
		Self                   *selfRaw         `json:"self"`
	} `json:"drop"`

	Self *selfRaw `json:"self"`
}

// dropProbeEnvelope covers the three top-level response shapes the probe
// operation can return (spec.md §4.5): current platform
// (currentUser.dropCurrentSession), older web (currentSession), and legacy
// (user.dropCurrentSessionContext).
type dropProbeEnvelope struct {
	CurrentUser *struct {
		DropCurrentSession *dropSessionRaw `json:"dropCurrentSession"`
	} `json:"currentUser"`
	CurrentSession *dropSessionRaw `json:"currentSession"`
	User           *struct {
		DropCurrentSessionContext *dropSessionRaw `json:"dropCurrentSessionContext"`
	} `json:"user"`
}

// parseDropProbe picks whichever of the three shapes is present and
// normalizes flat vs. nested into a single DropProbe. A probe is valid only
// when requiredMinutesWatched > 0 or a drop id / drop-instance-id is
// present (spec.md §4.5 step 4).
func parseDropProbe(data json.RawMessage) (DropProbe, error) {
	var env dropProbeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return DropProbe{}, err
	}

	var raw *dropSessionRaw
	switch {
	case env.CurrentUser != nil && env.CurrentUser.DropCurrentSession != nil:
		raw = env.CurrentUser.DropCurrentSession
	case env.CurrentSession != nil:
		raw = env.CurrentSession
	case env.User != nil && env.User.DropCurrentSessionContext != nil:
		raw = env.User.DropCurrentSessionContext
	default:
		return DropProbe{}, nil
	}

	p := DropProbe{
		DropID:                 raw.DropID,
		RequiredMinutesWatched: raw.RequiredMinutesWatched,
	}
	if len(raw.BenefitEdges) > 0 {
		p.BenefitName = raw.BenefitEdges[0].Benefit.Name
	}

	if raw.Drop != nil {
		if p.DropID == "" {
			p.DropID = raw.Drop.ID
		}
		if p.RequiredMinutesWatched == 0 {
			p.RequiredMinutesWatched = raw.Drop.RequiredMinutesWatched
		}
		if p.DropName == "" {
			p.DropName = raw.Drop.Name
		}
		if len(raw.Drop.BenefitEdges) > 0 && p.BenefitName == "" {
			p.BenefitName = raw.Drop.BenefitEdges[0].Benefit.Name
		}
		if raw.Drop.Self != nil {
			applySelf(&p, raw.Drop.Self)
		}
	}
	if raw.Self != nil {
		applySelf(&p, raw.Self)
	}

	if p.DropName == "" {
		p.DropName = p.BenefitName
	}
	if p.DropName == "" {
		p.DropName = "Active Drop"
	}

	p.Valid = p.RequiredMinutesWatched > 0 || p.DropID != "" || p.DropInstanceID != ""
	return p, nil
}

func applySelf(p *DropProbe, s *selfRaw) {
	p.CurrentMinutesWatched = s.CurrentMinutesWatched
	p.IsClaimed = s.IsClaimed
	if s.DropInstanceID != "" {
		p.DropInstanceID = s.DropInstanceID
	}
	if s.DropName != "" && p.DropName == "" {
		p.DropName = s.DropName
	}
}

// ProgressPercent is current/required * 100, for a MiningStatus Status
// event.
func (p DropProbe) ProgressPercent() float64 {
	if p.RequiredMinutesWatched <= 0 {
		return 0
	}
	pct := float64(p.CurrentMinutesWatched) / float64(p.RequiredMinutesWatched) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// ReadyToClaim is current >= required > 0 and a drop-instance id is known.
func (p DropProbe) ReadyToClaim() bool {
	return p.RequiredMinutesWatched > 0 &&
		p.CurrentMinutesWatched >= p.RequiredMinutesWatched &&
		p.DropInstanceID != ""
}

// ReadyButUnlinked is the "unlinked account" edge case: threshold met but no
// drop-instance-id was ever issued, so there is nothing to claim against.
func (p DropProbe) ReadyButUnlinked() bool {
	return p.RequiredMinutesWatched > 0 &&
		p.CurrentMinutesWatched >= p.RequiredMinutesWatched &&
		p.DropInstanceID == ""
}
