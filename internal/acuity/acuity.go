// Package acuity converts vital-sign findings and contextual flags into a
// five-level urgency classification with a disposition.
package acuity

import (
	"github.com/google/uuid"

	"github.com/linnemanlabs/patientflow/internal/vitals"
)

// Level is the five-tier urgency classification, 1 most urgent.
type Level int

const (
	Level1 Level = 1 // immediate life threat
	Level2 Level = 2 // high-risk situation
	Level3 Level = 3 // multiple-resource prediction
	Level4 Level = 4 // single-resource prediction
	Level5 Level = 5 // no resource prediction
)

// Valid reports whether l is one of the five defined levels.
func (l Level) Valid() bool { return l >= Level1 && l <= Level5 }

// Disposition is the destination decision following triage.
type Disposition string

const (
	DispositionResuscitation Disposition = "resuscitation-room"
	DispositionImmediateBed  Disposition = "immediate-bed"
	DispositionStandardQueue Disposition = "standard-queue"
	DispositionFastTrack     Disposition = "fast-track"
	DispositionWaitingRoom   Disposition = "waiting-room"
)

// dispositions maps each level to its disposition.
var dispositions = map[Level]Disposition{
	Level1: DispositionResuscitation,
	Level2: DispositionImmediateBed,
	Level3: DispositionStandardQueue,
	Level4: DispositionFastTrack,
	Level5: DispositionWaitingRoom,
}

// DispositionFor returns the disposition assigned to a level.
func DispositionFor(l Level) Disposition { return dispositions[l] }

// Source records how a result was produced.
type Source string

const (
	SourceAutomatic Source = "automatic"
	SourceOverride  Source = "override"
)

// ContextFlags carry non-vital context known at assessment time. The
// interaction-check and isolation flags are produced by external
// collaborators; the engine only consumes their classification output.
type ContextFlags struct {
	IsCritical         bool `json:"is_critical"`
	RequiresSpecialist bool `json:"requires_specialist"`
	RequiresIsolation  bool `json:"requires_isolation"`
}

// Override is a manual acuity decision by an authorized assessor. When
// present it takes precedence over automatic scoring and becomes the
// assessment's source of truth.
type Override struct {
	Level      Level
	AssessorID uuid.UUID
}

// Result is the scoring outcome.
type Result struct {
	Level       Level       `json:"level"`
	Disposition Disposition `json:"disposition"`
	Source      Source      `json:"source"`
}

// Score evaluates the decision tree in fixed precedence order and
// short-circuits at the first matching rule. Severities are never summed
// or averaged, and no clock or randomness is consulted: identical inputs
// always yield the identical result.
func Score(rep vitals.Report, flags ContextFlags, override *Override) Result {
	if override != nil {
		return Result{
			Level:       override.Level,
			Disposition: dispositions[override.Level],
			Source:      SourceOverride,
		}
	}

	findings := rep.Findings

	// Rule 1: immediate life threat.
	if flags.IsCritical || (len(findings) >= 2 && anyAirwayCirculation(findings)) {
		return auto(Level1)
	}

	// Rule 2: high-risk situation.
	severeAcutePain := findings.Has(vitals.ParamPain) && !findings.Has(vitals.ParamConsciousness)
	if severeAcutePain || findings.Has(vitals.ParamHeartRate) || findings.Has(vitals.ParamOxygenSaturation) {
		return auto(Level2)
	}

	// Any critical finding the first two rules did not name is still a
	// high-risk situation: a lone critical temperature, pressure, or
	// consciousness finding must never reach fast-track.
	if len(findings) > 0 {
		return auto(Level2)
	}

	// Rule 3: multiple-resource prediction.
	if flags.RequiresSpecialist || flags.RequiresIsolation {
		return auto(Level3)
	}

	// Rule 4: single-resource prediction, warning findings only.
	if rep.HasWarnings() {
		return auto(Level4)
	}

	// Rule 5: nothing predicted.
	return auto(Level5)
}

func auto(l Level) Result {
	return Result{Level: l, Disposition: dispositions[l], Source: SourceAutomatic}
}

func anyAirwayCirculation(f vitals.Findings) bool {
	for p := range f {
		if vitals.AirwayCirculation(p) {
			return true
		}
	}
	return false
}
