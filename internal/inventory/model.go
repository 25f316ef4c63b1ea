package inventory

import (
	"sort"
	"time"
)

// MaxExtraMinutes bounds local drift between server refreshes.
const MaxExtraMinutes = 15

// Game identifies a title a campaign is attached to. DisplayName is the
// canonical join key across every inventory source (dashboard, inventory,
// campaign-details).
type Game struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Slug        string `json:"slug,omitempty"`
}

// Benefit is a single reward attached to a drop via a BenefitEdge.
type Benefit struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// BenefitEdge wraps a Benefit the way the dashboard GQL response does.
type BenefitEdge struct {
	Benefit Benefit `json:"benefit"`
}

// DropSelfInfo is the viewer-scoped progress on one Drop.
type DropSelfInfo struct {
	CurrentMinutesWatched int    `json:"currentMinutesWatched"`
	IsClaimed             bool   `json:"isClaimed"`
	DropInstanceID        string `json:"dropInstanceID,omitempty"`
}

// Drop is a single time-gated reward within a Campaign.
type Drop struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	RequiredMinutes  int           `json:"requiredMinutes"`
	StartAt          time.Time     `json:"startAt"`
	EndAt            time.Time     `json:"endAt"`
	BenefitEdges     []BenefitEdge `json:"benefitEdges,omitempty"`
	Self             *DropSelfInfo `json:"self,omitempty"`

	// Local-only counters, never serialized to the wire, preserved across
	// Inventory refreshes by the merge discipline.
	ExtraMinutes int `json:"-"`
	ExtraSeconds int `json:"-"`
}

// CurrentMinutes is the derived watch-time: server minutes plus whatever the
// local ticker has accumulated since the last server refresh.
func (d *Drop) CurrentMinutes() float64 {
	watched := 0
	if d.Self != nil {
		watched = d.Self.CurrentMinutesWatched
	}
	return float64(watched) + float64(d.ExtraMinutes) + float64(d.ExtraSeconds)/60.0
}

// RemainingMinutes is never negative.
func (d *Drop) RemainingMinutes() float64 {
	r := float64(d.RequiredMinutes) - d.CurrentMinutes()
	if r < 0 {
		return 0
	}
	return r
}

// Progress is in [0,1]; a zero-minute drop is always complete.
func (d *Drop) Progress() float64 {
	if d.RequiredMinutes <= 0 {
		return 1.0
	}
	p := d.CurrentMinutes() / float64(d.RequiredMinutes)
	if p > 1 {
		return 1
	}
	if p < 0 {
		return 0
	}
	return p
}

// IsClaimed is true either because the server said so, or because local
// accounting has reached the threshold.
func (d *Drop) IsClaimed() bool {
	if d.Self != nil && d.Self.IsClaimed {
		return true
	}
	return d.RequiredMinutes > 0 && d.CurrentMinutes() >= float64(d.RequiredMinutes)
}

// CanClaim requires self-info, a met threshold, not-yet-claimed, and a
// drop-instance id to claim against.
func (d *Drop) CanClaim() bool {
	if d.Self == nil {
		return false
	}
	return float64(d.Self.CurrentMinutesWatched) >= float64(d.RequiredMinutes) &&
		!d.Self.IsClaimed &&
		d.Self.DropInstanceID != ""
}

// BumpExtraMinute advances the local accumulator by one minute, clamped at
// MaxExtraMinutes: past the clamp, bumping is suppressed until the server
// catches up and ResetLocalTracking fires.
func (d *Drop) BumpExtraMinute() {
	if d.ExtraMinutes < MaxExtraMinutes {
		d.ExtraMinutes++
	}
}

// BumpExtraSecond advances the sub-minute accumulator, rolling into
// BumpExtraMinute on overflow.
func (d *Drop) BumpExtraSecond() {
	d.ExtraSeconds++
	if d.ExtraSeconds >= 60 {
		d.ExtraSeconds = 0
		d.BumpExtraMinute()
	}
}

// ResetLocalTracking zeroes both local counters, used once the server's
// reported minutes have caught up (I1).
func (d *Drop) ResetLocalTracking() {
	d.ExtraMinutes = 0
	d.ExtraSeconds = 0
}

// CampaignSelfInfo carries whether the account is linked to the campaign's
// sponsor; an unlinked campaign is displayable but unclaimable (I5).
type CampaignSelfInfo struct {
	IsAccountConnected bool `json:"isAccountConnected"`
}

// Campaign is a time-bounded promotion awarding Drops for watch-time on
// channels playing Game.
type Campaign struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Game      Game              `json:"game"`
	StartAt   time.Time         `json:"startAt"`
	EndAt     time.Time         `json:"endAt"`
	Status    string            `json:"status"`
	Drops     []*Drop           `json:"drops"`
	Self      *CampaignSelfInfo `json:"self,omitempty"`
}

// IsActive requires start <= now <= end and an ACTIVE status tag.
func (c *Campaign) IsActive(now time.Time) bool {
	return !now.Before(c.StartAt) && !now.After(c.EndAt) && c.Status == "ACTIVE"
}

// IsCompleted is true once every known drop is claimed; a campaign with no
// drops yet fetched is never considered completed.
func (c *Campaign) IsCompleted() bool {
	if len(c.Drops) == 0 {
		return false
	}
	for _, d := range c.Drops {
		if !d.IsClaimed() {
			return false
		}
	}
	return true
}

// Progress is the average of per-drop progress, claimed drops contributing
// 1.0 (captured automatically since Drop.Progress saturates at 1).
func (c *Campaign) Progress() float64 {
	if len(c.Drops) == 0 {
		return 0
	}
	var sum float64
	for _, d := range c.Drops {
		sum += d.Progress()
	}
	return sum / float64(len(c.Drops))
}

// RemainingMinutes sums RemainingMinutes over every unclaimed drop.
func (c *Campaign) RemainingMinutes() float64 {
	var sum float64
	for _, d := range c.Drops {
		if !d.IsClaimed() {
			sum += d.RemainingMinutes()
		}
	}
	return sum
}

// FirstUnclaimedDrop returns the drop with the smallest RemainingMinutes
// among unclaimed drops, or nil. NaN can never arise here (both operands of
// the division are always finite), but the comparator below is written to
// degrade safely instead of following the original's partial_cmp().unwrap()
// panic path (see DESIGN.md, Open Question c).
func (c *Campaign) FirstUnclaimedDrop() *Drop {
	var best *Drop
	var bestRemaining float64
	for _, d := range c.Drops {
		if d.IsClaimed() {
			continue
		}
		r := d.RemainingMinutes()
		if best == nil || lessTotalOrder(r, bestRemaining) {
			best = d
			bestRemaining = r
		}
	}
	return best
}

// lessTotalOrder is a NaN-safe, total-order "less than": NaN sorts last
// rather than causing an unwrap panic on the comparison.
func lessTotalOrder(a, b float64) bool {
	if a != a { // a is NaN
		return false
	}
	if b != b { // b is NaN, a is not
		return true
	}
	return a < b
}

// SortByEndingSoonest orders campaigns by EndAt ascending, the same order
// PrioritizedCampaigns applies (inline) to games absent from the priority
// list.
func SortByEndingSoonest(campaigns []*Campaign) {
	sort.SliceStable(campaigns, func(i, j int) bool {
		return campaigns[i].EndAt.Before(campaigns[j].EndAt)
	})
}
