// Package inventory is the core's in-memory catalog of campaigns and
// per-drop progress: the single source of truth the Scheduler mutates and
// the Mining Loop reads from indirectly through events.
package inventory

import (
	"sort"
	"strings"
	"time"
)

// EventDrop is the subset of an already-claimed game-event-drop entry (from
// the Inventory GQL operation) needed to synthesize placeholder drops for
// campaigns whose time_based_drops list hasn't been fetched yet.
type EventDrop struct {
	ID         string
	Name       string
	TotalCount int
}

// Inventory is single-owner: every mutating method assumes the caller holds
// whatever lock the owner (the Scheduler) uses. It does not lock itself,
// matching spec.md's "Pure in-memory, single-owner" design note; the
// Scheduler is the sole task that ever calls these.
type Inventory struct {
	AllCampaigns map[string]*Campaign // keyed by campaign id; full dashboard
	Campaigns    map[string]*Campaign // keyed by campaign id; in-progress, carries real progress
}

// New returns an empty Inventory.
func New() *Inventory {
	return &Inventory{
		AllCampaigns: make(map[string]*Campaign),
		Campaigns:    make(map[string]*Campaign),
	}
}

func dropsByID(drops []*Drop) map[string]*Drop {
	m := make(map[string]*Drop, len(drops))
	for _, d := range drops {
		m[d.ID] = d
	}
	return m
}

// carryForwardLocalCounters copies ExtraMinutes/ExtraSeconds from old to new
// for every drop id present in both, implementing the merge discipline's
// preservation rule (P7).
func carryForwardLocalCounters(oldDrops, newDrops []*Drop) {
	old := dropsByID(oldDrops)
	for _, nd := range newDrops {
		if od, ok := old[nd.ID]; ok {
			nd.ExtraMinutes = od.ExtraMinutes
			nd.ExtraSeconds = od.ExtraSeconds
		}
	}
}

// IngestAllCampaigns replaces AllCampaigns with the dashboard list,
// preserving local counters for campaigns that already existed.
func (inv *Inventory) IngestAllCampaigns(campaigns []*Campaign) {
	next := make(map[string]*Campaign, len(campaigns))
	for _, c := range campaigns {
		if old, ok := inv.AllCampaigns[c.ID]; ok {
			carryForwardLocalCounters(old.Drops, c.Drops)
		}
		next[c.ID] = c
	}
	inv.AllCampaigns = next
}

// matchesGame reports whether an event-drop's name plausibly belongs to
// game, tolerating the "Rocket League" <-> "RL" special case carried over
// from the source implementation.
func matchesGame(eventDropName, gameDisplayName string) bool {
	name := strings.ToLower(eventDropName)
	game := strings.ToLower(gameDisplayName)
	if strings.Contains(name, game) {
		return true
	}
	if game == "rocket league" && strings.Contains(name, "rl") {
		return true
	}
	return false
}

// IngestInventory replaces Campaigns with the user's in-progress list and
// synthesizes placeholder claimed drops, from eventDrops, for any
// AllCampaigns entry whose drop list is still empty — giving the UI a
// correct "N/N" count for campaigns that are already fully completed.
func (inv *Inventory) IngestInventory(campaigns []*Campaign, eventDrops []EventDrop, subscribed func(gameDisplayName string) bool) {
	next := make(map[string]*Campaign, len(campaigns))
	for _, c := range campaigns {
		next[c.ID] = c
	}
	inv.Campaigns = next

	for _, c := range inv.AllCampaigns {
		if len(c.Drops) != 0 {
			continue
		}
		if subscribed != nil && !subscribed(c.Game.DisplayName) {
			continue
		}
		for _, ed := range eventDrops {
			if !matchesGame(ed.Name, c.Game.DisplayName) {
				continue
			}
			for i := 0; i < ed.TotalCount; i++ {
				c.Drops = append(c.Drops, &Drop{
					ID:              ed.ID,
					Name:            ed.Name,
					RequiredMinutes: 0,
					Self: &DropSelfInfo{
						CurrentMinutesWatched: 0,
						IsClaimed:             true,
						DropInstanceID:        ed.ID,
					},
				})
			}
		}
	}
}

// MergeSubscribedDetails fills in the drop list of an AllCampaigns entry
// that's still empty, from either the user's inventory (preferred, and
// counter-preserving) or freshly fetched campaign details.
func (inv *Inventory) MergeSubscribedDetails(campaignID string, inventoryDrops, fetchedDrops []*Drop) {
	c, ok := inv.AllCampaigns[campaignID]
	if !ok || len(c.Drops) != 0 {
		return
	}
	if len(inventoryDrops) != 0 {
		carryForwardLocalCounters(c.Drops, inventoryDrops)
		c.Drops = inventoryDrops
		return
	}
	carryForwardLocalCounters(c.Drops, fetchedDrops)
	c.Drops = fetchedDrops
}

// ActiveCampaigns returns every AllCampaigns entry that IsActive and whose
// game is not excluded.
func (inv *Inventory) ActiveCampaigns(now time.Time, excludedGames []string) []*Campaign {
	excluded := make(map[string]bool, len(excludedGames))
	for _, g := range excludedGames {
		excluded[g] = true
	}
	var out []*Campaign
	for _, c := range inv.AllCampaigns {
		if c.IsActive(now) && !excluded[c.Game.DisplayName] {
			out = append(out, c)
		}
	}
	return out
}

// PrioritizedCampaigns sorts ActiveCampaigns by position in priorityGames
// (games absent from the list sort after every priority game, tie-broken by
// soonest end).
func (inv *Inventory) PrioritizedCampaigns(now time.Time, priorityGames, excludedGames []string) []*Campaign {
	active := inv.ActiveCampaigns(now, excludedGames)
	pos := make(map[string]int, len(priorityGames))
	for i, g := range priorityGames {
		pos[g] = i
	}
	sort.SliceStable(active, func(i, j int) bool {
		a, aok := pos[active[i].Game.DisplayName]
		b, bok := pos[active[j].Game.DisplayName]
		switch {
		case aok && bok:
			return a < b
		case aok && !bok:
			return true
		case !aok && bok:
			return false
		default:
			return active[i].EndAt.Before(active[j].EndAt)
		}
	})
	return active
}

// SubscribedCampaigns returns campaigns whose game is in priorityGames,
// de-duplicated by id across both collections with AllCampaigns winning,
// sorted by lowercase game name.
func (inv *Inventory) SubscribedCampaigns(priorityGames []string) []*Campaign {
	wanted := make(map[string]bool, len(priorityGames))
	for _, g := range priorityGames {
		wanted[g] = true
	}
	seen := make(map[string]bool)
	var out []*Campaign

	for _, c := range inv.AllCampaigns {
		if wanted[c.Game.DisplayName] && !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	for _, c := range inv.Campaigns {
		if wanted[c.Game.DisplayName] && !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Game.DisplayName) < strings.ToLower(out[j].Game.DisplayName)
	})
	return out
}

// FirstUnclaimedDrop scans PrioritizedCampaigns in order and returns the
// first campaign with an unclaimed drop.
func (inv *Inventory) FirstUnclaimedDrop(now time.Time, priorityGames, excludedGames []string) (*Campaign, *Drop) {
	for _, c := range inv.PrioritizedCampaigns(now, priorityGames, excludedGames) {
		if d := c.FirstUnclaimedDrop(); d != nil {
			return c, d
		}
	}
	return nil, nil
}

// MarkDropClaimed finds drop by (gameDisplayName, dropName) in both
// collections and sets it claimed, synthesizing self-info if it was absent.
// Idempotent: calling it twice never decreases CurrentMinutesWatched (P6).
func (inv *Inventory) MarkDropClaimed(gameDisplayName, dropName string) {
	for _, campaigns := range []map[string]*Campaign{inv.AllCampaigns, inv.Campaigns} {
		for _, c := range campaigns {
			if c.Game.DisplayName != gameDisplayName {
				continue
			}
			for _, d := range c.Drops {
				if d.Name != dropName {
					continue
				}
				if d.Self != nil {
					d.Self.IsClaimed = true
				} else {
					d.Self = &DropSelfInfo{
						CurrentMinutesWatched: d.RequiredMinutes,
						IsClaimed:             true,
					}
				}
			}
		}
	}
}

// HasActiveCampaignWithUnclaimedDrop reports whether gameDisplayName has an
// active campaign (progress < 1) with at least one unclaimed drop, checked
// across both AllCampaigns and Campaigns.
func (inv *Inventory) HasActiveCampaignWithUnclaimedDrop(now time.Time, gameDisplayName string) bool {
	check := func(campaigns map[string]*Campaign) bool {
		for _, c := range campaigns {
			if c.Game.DisplayName != gameDisplayName {
				continue
			}
			if !c.IsActive(now) || c.Progress() >= 1.0 {
				continue
			}
			if c.FirstUnclaimedDrop() != nil {
				return true
			}
		}
		return false
	}
	return check(inv.AllCampaigns) || check(inv.Campaigns)
}

// WantedGames returns the Game of every PrioritizedCampaigns entry.
func (inv *Inventory) WantedGames(now time.Time, priorityGames, excludedGames []string) []Game {
	var out []Game
	for _, c := range inv.PrioritizedCampaigns(now, priorityGames, excludedGames) {
		out = append(out, c.Game)
	}
	return out
}
