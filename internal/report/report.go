package report

import (
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/eval"
)

// UQComponent maps a UQ report to the uq_resolution_engine component.
func UQComponent(r eval.UQReport) ComponentResult {
	status := ComponentFailed
	if r.Passed() {
		status = ComponentPassed
	}
	return ComponentResult{Component: ComponentUQEngine, Status: status, DetailedResults: r}
}

// Build derives the deployment status from component results. Readiness is
// validated/total x 100 and an empty component list is never READY.
func Build(components []ComponentResult) Certification {
	c := Certification{
		GeneratedAt: time.Now().UTC(),
		Components:  append([]ComponentResult(nil), components...),
	}
	st := DeploymentStatus{TotalComponents: len(components), OverallStatus: RequiresAttention}
	for _, comp := range components {
		if comp.Status == ComponentPassed {
			st.ValidatedComponents++
		}
	}
	if st.TotalComponents > 0 {
		st.ReadinessPercentage = float64(st.ValidatedComponents) / float64(st.TotalComponents) * 100
		if st.ReadinessPercentage >= ReadyThreshold {
			st.OverallStatus = Ready
			st.CriticalSystemsOperational = true
		}
	}
	c.DeploymentStatus = st
	c.Recommendations = recommendations(st.ReadinessPercentage, st.TotalComponents)
	c.NextSteps = nextSteps(st.OverallStatus)
	return c
}

// fullReadiness is the readiness at which a deployment may go straight to clinical use.
const fullReadiness = 95.0

func recommendations(readiness float64, total int) []string {
	switch {
	case total > 0 && readiness >= fullReadiness:
		return []string{
			"Deploy for clinical use",
			"Prepare the medical device regulatory submission",
			"Start clinical validation protocols",
			"Put manufacturing quality systems in place",
			"Train operators on the emergency protocols",
		}
	case total > 0 && readiness >= ReadyThreshold:
		return []string{
			"Deploy for controlled clinical trials only",
			"Finish validation of the failing components",
			"Prepare the regulatory submission",
			"Put medical device quality protocols in place",
			"Write clinical deployment guidelines",
		}
	}
	return []string{
		"Validate the remaining components",
		"Resolve the failures listed in component_validation_results",
		"Repeat the emergency drill and trial batches",
		"Review regulatory compliance requirements",
		"Schedule another certification run",
	}
}

func nextSteps(st DeploymentState) []string {
	if st == Ready {
		return []string{
			"Proceed with medical device certification",
			"Establish clinical partnerships",
			"Scale up manufacturing",
			"Plan commercial deployment",
			"Develop operator training",
		}
	}
	return []string{
		"Complete component validation",
		"Address the failing checks",
		"Run additional safety validation",
		"Review system integration",
		"Schedule follow-up certification",
	}
}
