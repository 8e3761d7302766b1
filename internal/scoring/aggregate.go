package scoring

// Observation is one KPI measurement joined to its canonical pillar and
// effective weight, the unit of work for raw pillar aggregation. Rows with
// no kpi_score or no resolvable pillar are filtered out before this point.
type Observation struct {
	ProjectID string
	PillarKey string
	Score     float64
	Weight    float64
}

// Aggregate folds observations into raw pillar scores per project:
// the weighted average of KPI scores for each (project, pillar), clamped
// to [0, 100]. Pillars that accumulate no positive weight are omitted
// entirely — absence of signal is not a zero score.
//
// The result is deterministic for a given snapshot of observations and
// independent of their order.
func Aggregate(observations []Observation) map[string]map[string]float64 {
	type acc struct {
		weightedSum float64
		weightSum   float64
	}
	sums := make(map[string]map[string]*acc)

	for _, o := range observations {
		byPillar, ok := sums[o.ProjectID]
		if !ok {
			byPillar = make(map[string]*acc)
			sums[o.ProjectID] = byPillar
		}
		a, ok := byPillar[o.PillarKey]
		if !ok {
			a = &acc{}
			byPillar[o.PillarKey] = a
		}
		a.weightedSum += o.Weight * o.Score
		a.weightSum += o.Weight
	}

	out := make(map[string]map[string]float64, len(sums))
	for projectID, byPillar := range sums {
		for pillarKey, a := range byPillar {
			if a.weightSum <= 0 {
				continue
			}
			if out[projectID] == nil {
				out[projectID] = make(map[string]float64, len(byPillar))
			}
			out[projectID][pillarKey] = Clamp(a.weightedSum / a.weightSum)
		}
	}
	return out
}
