// Package vitals evaluates observation snapshots against clinical
// thresholds, producing per-parameter statuses and a critical-finding set.
package vitals

// Findings is an unordered set of parameters flagged critical. Consumers
// care about membership and cardinality only, never iteration order.
type Findings map[Parameter]struct{}

// Has reports whether the parameter is in the set.
func (f Findings) Has(p Parameter) bool {
	_, ok := f[p]
	return ok
}

// airwayCirculation marks parameters whose derangement indicates an
// airway, breathing or circulation problem.
var airwayCirculation = map[Parameter]bool{
	ParamHeartRate:        true,
	ParamOxygenSaturation: true,
	ParamBloodPressure:    true,
	ParamRespiratoryRate:  true,
	ParamConsciousness:    true,
}

// AirwayCirculation reports whether the parameter is an airway, breathing
// or circulation indicator.
func AirwayCirculation(p Parameter) bool {
	return airwayCirculation[p]
}

// Report is the outcome of evaluating one snapshot.
type Report struct {
	Status   map[Parameter]Status
	Findings Findings // parameters flagged critical
}

// HasWarnings reports whether any parameter is in the warning band.
func (r Report) HasWarnings() bool {
	for _, st := range r.Status {
		if st == StatusWarning {
			return true
		}
	}
	return false
}

// Evaluate maps a snapshot to per-parameter statuses and the critical
// findings derived from them. Pure and total: it never fails, never looks
// at a clock, and flags each parameter independently.
//
// Critical thresholds: temperature outside [35, 39]°C, heart rate outside
// [50, 120] bpm, oxygen saturation below 95%, systolic pressure outside
// [70, 180] or diastolic outside [40, 110], respiratory rate outside
// [8, 30], pain ≥ 7, consciousness not alert. Values inside the critical
// range but outside a tighter normal sub-range flag warning only.
func Evaluate(s ObservationSnapshot) Report {
	rep := Report{
		Status:   make(map[Parameter]Status, 7),
		Findings: make(Findings),
	}

	set := func(p Parameter, st Status) {
		rep.Status[p] = st
		if st == StatusCritical {
			rep.Findings[p] = struct{}{}
		}
	}

	set(ParamHeartRate, band(s.HeartRate < 50 || s.HeartRate > 120, s.HeartRate < 60 || s.HeartRate > 100))
	set(ParamOxygenSaturation, band(s.OxygenSat < 95, s.OxygenSat < 97))
	set(ParamBloodPressure, band(
		s.SystolicBP < 70 || s.SystolicBP > 180 || s.DiastolicBP < 40 || s.DiastolicBP > 110,
		s.SystolicBP < 90 || s.SystolicBP > 140 || s.DiastolicBP < 60 || s.DiastolicBP > 90,
	))
	set(ParamTemperature, band(s.Temperature < 35 || s.Temperature > 39, s.Temperature < 36 || s.Temperature > 38))
	set(ParamRespiratoryRate, band(s.RespiratoryRate < 8 || s.RespiratoryRate > 30, s.RespiratoryRate < 12 || s.RespiratoryRate > 20))
	set(ParamPain, band(s.PainLevel >= 7, s.PainLevel >= 4))
	set(ParamConsciousness, band(s.Consciousness != ConsciousnessAlert, false))

	return rep
}

func band(critical, warning bool) Status {
	switch {
	case critical:
		return StatusCritical
	case warning:
		return StatusWarning
	default:
		return StatusNormal
	}
}
