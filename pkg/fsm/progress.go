package fsm

import "fmt"

// StageRange is the band of the global 0-100 progress a stage's own 0-100
// progress is rescaled into.
type StageRange struct {
	Stage Stage
	Low   int
	High  int
}

// pipeline is the execution order of the stages that own a range.
var pipeline = []Stage{
	StageCheckingPrerequisite,
	StageDownloadingPrerequisite,
	StageInstallingPrerequisite,
	StageDownloadingApp,
	StageExtractingApp,
}

// DefaultRanges weight the stages by their typical duration.
var DefaultRanges = []StageRange{
	{Stage: StageCheckingPrerequisite, Low: 0, High: 10},
	{Stage: StageDownloadingPrerequisite, Low: 10, High: 40},
	{Stage: StageInstallingPrerequisite, Low: 40, High: 60},
	{Stage: StageDownloadingApp, Low: 60, High: 80},
	{Stage: StageExtractingApp, Low: 80, High: 100},
}

// ValidateRanges checks that ranges cover [0,100] contiguously, one per
// pipeline stage, in execution order.
func ValidateRanges(ranges []StageRange) error {
	if len(ranges) != len(pipeline) {
		return fmt.Errorf("expected %d stage ranges, got %d", len(pipeline), len(ranges))
	}
	for i, r := range ranges {
		if r.Stage != pipeline[i] {
			return fmt.Errorf("range %d is for %s, expected %s", i, r.Stage, pipeline[i])
		}
		if r.Low > r.High {
			return fmt.Errorf("range for %s is inverted: [%d, %d)", r.Stage, r.Low, r.High)
		}
		if i == 0 && r.Low != 0 {
			return fmt.Errorf("first range must start at 0, got %d", r.Low)
		}
		if i > 0 && r.Low != ranges[i-1].High {
			return fmt.Errorf("range for %s starts at %d, previous ends at %d", r.Stage, r.Low, ranges[i-1].High)
		}
	}
	if last := ranges[len(ranges)-1]; last.High != 100 {
		return fmt.Errorf("last range must end at 100, got %d", last.High)
	}
	return nil
}

// Rescale maps a stage-local percentage into the global band.
func (r StageRange) Rescale(p int) int {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return r.Low + p*(r.High-r.Low)/100
}
