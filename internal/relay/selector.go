package relay

import (
	"math"
	"time"

	"github.com/Klein241/bufferwave/internal/models"
)

const (
	baseScore        = 100
	familyBonus      = 50
	countryBonus     = 30
	bandwidthCap     = 40
	recentSeenBonus  = 20
	bandwidthFactor  = 2.0
	defaultRecentAge = 30 * time.Second
)

// Profile is what the requester tells the broker about itself
type Profile struct {
	Country     string `json:"country"`
	FamilyGroup string `json:"familyGroup"`
}

// Candidate is a scored relay
type Candidate struct {
	Node  models.Node
	Score float64
}

// Eligible reports whether node can relay for requesterID
func Eligible(requesterID string, node models.Node) bool {
	switch {
	case node.UserID == requesterID:
		return false
	case node.Status != models.StatusOnline:
		return false
	case node.BandwidthMbps <= 0:
		return false
	case !node.HasChannel:
		return false
	}
	return true
}

// Score rates a candidate relay for a requester profile
func Score(profile Profile, node models.Node, now time.Time, recentSeen time.Duration) float64 {
	if recentSeen <= 0 {
		recentSeen = defaultRecentAge
	}

	score := float64(baseScore)
	if profile.FamilyGroup != "" && profile.FamilyGroup == node.FamilyGroup {
		score += familyBonus
	}
	if profile.Country != "" && profile.Country == node.Country {
		score += countryBonus
	}
	score += math.Min(node.BandwidthMbps*bandwidthFactor, bandwidthCap)
	if now.Sub(node.LastSeen) < recentSeen {
		score += recentSeenBonus
	}
	return score
}

// SelectBestRelay picks the highest-scoring eligible node. Nodes are scanned in
// the order given and only a strictly higher score replaces the current best,
// so ties go to the node seen first.
func SelectBestRelay(requesterID string, profile Profile, nodes []models.Node, now time.Time, recentSeen time.Duration) (Candidate, bool) {
	var (
		best  Candidate
		found bool
	)
	for _, node := range nodes {
		if !Eligible(requesterID, node) {
			continue
		}
		score := Score(profile, node, now, recentSeen)
		if !found || score > best.Score {
			best = Candidate{Node: node, Score: score}
			found = true
		}
	}
	return best, found
}
