package result

// Aggregate averages each metric over exactly the runs that reported it.
// Metrics no run reported are left out rather than counted as zero.
func Aggregate(b *BatchResult) AggregateResult {
	agg := AggregateResult{
		Config: b.Config,
		Means:  map[string]float64{},
		Counts: map[string]int{},
	}
	sums := map[string]float64{}
	for _, r := range b.Runs {
		for name, v := range r.Metrics {
			sums[name] += v
			agg.Counts[name]++
		}
	}
	for name, sum := range sums {
		agg.Means[name] = sum / float64(agg.Counts[name])
	}
	return agg
}
