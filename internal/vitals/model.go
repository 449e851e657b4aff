package vitals

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Parameter identifies a single observed clinical parameter.
type Parameter string

const (
	ParamHeartRate        Parameter = "heart_rate"
	ParamOxygenSaturation Parameter = "oxygen_saturation"
	ParamBloodPressure    Parameter = "blood_pressure"
	ParamTemperature      Parameter = "temperature"
	ParamRespiratoryRate  Parameter = "respiratory_rate"
	ParamPain             Parameter = "pain"
	ParamConsciousness    Parameter = "consciousness"
)

// Status is the evaluated state of a single parameter.
type Status string

const (
	// StatusNormal means the value is inside the normal sub-range.
	StatusNormal Status = "normal"

	// StatusWarning means the value is outside normal but inside the critical range.
	StatusWarning Status = "warning"

	// StatusCritical means the value is outside a clinically dangerous threshold.
	StatusCritical Status = "critical"
)

// Consciousness follows the AVPU scale.
type Consciousness string

const (
	ConsciousnessAlert        Consciousness = "alert"
	ConsciousnessVerbal       Consciousness = "verbal"
	ConsciousnessPain         Consciousness = "pain"
	ConsciousnessUnresponsive Consciousness = "unresponsive"
)

// ObservationSnapshot is a single set of vital signs recorded for a patient.
// Immutable once recorded; a new reading is a new snapshot.
type ObservationSnapshot struct {
	Taken           time.Time     `json:"taken"`
	HeartRate       int           `json:"heart_rate"`        // bpm
	OxygenSat       int           `json:"oxygen_saturation"` // percent
	SystolicBP      int           `json:"systolic_bp"`       // mmHg
	DiastolicBP     int           `json:"diastolic_bp"`      // mmHg
	Temperature     float64       `json:"temperature"`       // degrees Celsius
	RespiratoryRate int           `json:"respiratory_rate"`  // breaths per minute
	PainLevel       int           `json:"pain_level"`        // 0..10 self-reported
	Consciousness   Consciousness `json:"consciousness"`
	SymptomTags     []string      `json:"symptom_tags,omitempty"`
}

// Fingerprint returns a stable hash over the clinical content of the
// snapshot. Two snapshots with identical readings produce the same
// fingerprint regardless of symptom tag order. Used to detect duplicate
// submissions.
func (s ObservationSnapshot) Fingerprint() string {
	tags := append([]string(nil), s.SymptomTags...)
	sort.Strings(tags)

	canon := fmt.Sprintf("%d|%d|%d|%d|%d|%.1f|%d|%d|%s|%s",
		s.Taken.UTC().UnixMilli(),
		s.HeartRate, s.OxygenSat, s.SystolicBP, s.DiastolicBP,
		s.Temperature, s.RespiratoryRate, s.PainLevel,
		s.Consciousness, strings.Join(tags, ","),
	)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:16])
}

// Validate checks the snapshot for physically plausible values. It rejects
// malformed readings before any evaluation runs; an invalid snapshot never
// reaches the scorer or the queue.
func Validate(s ObservationSnapshot) error {
	switch {
	case s.HeartRate < 0 || s.HeartRate > 300:
		return fmt.Errorf("heart rate %d bpm out of physical range [0, 300]", s.HeartRate)
	case s.OxygenSat < 0 || s.OxygenSat > 100:
		return fmt.Errorf("oxygen saturation %d%% out of physical range [0, 100]", s.OxygenSat)
	case s.SystolicBP < 0 || s.SystolicBP > 300:
		return fmt.Errorf("systolic pressure %d mmHg out of physical range [0, 300]", s.SystolicBP)
	case s.DiastolicBP < 0 || s.DiastolicBP > 200:
		return fmt.Errorf("diastolic pressure %d mmHg out of physical range [0, 200]", s.DiastolicBP)
	case s.DiastolicBP > s.SystolicBP:
		return fmt.Errorf("diastolic pressure %d exceeds systolic %d", s.DiastolicBP, s.SystolicBP)
	case s.Temperature < 25 || s.Temperature > 45:
		return fmt.Errorf("temperature %.1f°C out of physical range [25, 45]", s.Temperature)
	case s.RespiratoryRate < 0 || s.RespiratoryRate > 80:
		return fmt.Errorf("respiratory rate %d out of physical range [0, 80]", s.RespiratoryRate)
	case s.PainLevel < 0 || s.PainLevel > 10:
		return fmt.Errorf("pain level %d out of scale [0, 10]", s.PainLevel)
	}

	switch s.Consciousness {
	case ConsciousnessAlert, ConsciousnessVerbal, ConsciousnessPain, ConsciousnessUnresponsive:
	default:
		return fmt.Errorf("unrecognized consciousness indicator %q", s.Consciousness)
	}

	return nil
}
