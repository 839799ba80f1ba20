package scheduler

// PoolSize computes the evaluation worker-pool size. Evaluation is
// I/O-bound, so the pool starts from cpuCount*2, scales up toward one
// worker per ten monitored plans under load, and is clamped to
// [minWorkers, maxWorkers].
func PoolSize(cpuCount, planCount, minWorkers, maxWorkers int) int {
	workers := cpuCount * 2
	if byLoad := planCount / 10; byLoad > workers {
		workers = byLoad
	}
	if workers < minWorkers {
		workers = minWorkers
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	return workers
}
