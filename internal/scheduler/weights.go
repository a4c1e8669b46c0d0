package scheduler

import (
	"github.com/arc-pbc-co/arcnet/internal/domain"
	"github.com/arc-pbc-co/arcnet/internal/regionalstate"
)

// Weights controls how candidates are scored: geozone match dominates,
// then energy source, GPU utilization, and battery level.
type Weights struct {
	GeozoneMatch   float64
	EnergySource   float64
	GPUUtilization float64
	BatteryLevel   float64
}

// DefaultWeights sums to 1.0 and is tuned so geozone match dominates the
// score.
func DefaultWeights() Weights {
	return Weights{
		GeozoneMatch:   0.55,
		EnergySource:   0.20,
		GPUUtilization: 0.15,
		BatteryLevel:   0.10,
	}
}

// ScoreNode computes a candidate's weighted match score for req. Higher
// is better. Geozone match is a hard 0/1 term; energy source favors
// solar, then battery, then grid; GPU utilization and battery level are
// linear terms favoring idle, well-charged nodes.
func ScoreNode(c regionalstate.Candidate, req domain.InferenceRequest, w Weights) float64 {
	geozone := 0.0
	if c.Document.GeozoneID == domain.GeozoneOf(req.RequesterGeozone) {
		geozone = 1.0
	}

	energy := energyScore(c.Document.Telemetry.EnergySource)
	availability := 1.0 - c.Document.Telemetry.GPUUtilization
	if availability < 0 {
		availability = 0
	}
	battery := c.Document.Telemetry.BatteryLevel

	return w.GeozoneMatch*geozone +
		w.EnergySource*energy +
		w.GPUUtilization*availability +
		w.BatteryLevel*battery
}

func energyScore(e domain.EnergySource) float64 {
	switch e {
	case domain.EnergySolar:
		return 1.0
	case domain.EnergyBattery:
		return 0.5
	default: // grid
		return 0.0
	}
}

type scoredCandidate struct {
	c     regionalstate.Candidate
	score float64
}

// RankCandidates scores every candidate and sorts best-first, breaking
// ties by ascending node id for determinism — this is also the order
// the scheduler walks candidates in when attempting reservations.
func RankCandidates(candidates []regionalstate.Candidate, req domain.InferenceRequest, w Weights) []regionalstate.Candidate {
	all := make([]scoredCandidate, len(candidates))
	for i, c := range candidates {
		all[i] = scoredCandidate{c: c, score: ScoreNode(c, req, w)}
	}

	for i := 1; i < len(all); i++ {
		j := i
		for j > 0 && lessScored(all[j], all[j-1]) {
			all[j], all[j-1] = all[j-1], all[j]
			j--
		}
	}

	ranked := make([]regionalstate.Candidate, len(all))
	for i, s := range all {
		ranked[i] = s.c
	}
	return ranked
}

func lessScored(a, b scoredCandidate) bool {
	if a.score != b.score {
		return a.score > b.score // higher score sorts first
	}
	return a.c.Document.Telemetry.ID < b.c.Document.Telemetry.ID
}
