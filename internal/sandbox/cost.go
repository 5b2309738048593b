package sandbox

// Pricing constants, all in integer cents. Execution is billed per started
// compute second; memory per started 256MB-minute. Every successful or failed
// execution costs at least the floor.
const (
	centsPerComputeSecond = 1
	memBlockMB            = 256
	centsPerMemBlockMin   = 1
	minCostCents          = 1
)

// Cost computes the price of an execution in cents from its wall-clock
// duration and peak memory use. It is pure: same inputs, same price.
func Cost(executionTimeMS int, memoryUsedMB int) int64 {
	if executionTimeMS < 0 {
		executionTimeMS = 0
	}
	if memoryUsedMB < 0 {
		memoryUsedMB = 0
	}

	compute := int64(ceilDiv(executionTimeMS, 1000)) * centsPerComputeSecond

	memBlocks := ceilDiv(memoryUsedMB, memBlockMB)
	memMinutes := ceilDiv(executionTimeMS, 60_000)
	memory := int64(memBlocks*memMinutes) * centsPerMemBlockMin

	total := compute + memory
	if total < minCostCents {
		total = minCostCents
	}
	return total
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}
