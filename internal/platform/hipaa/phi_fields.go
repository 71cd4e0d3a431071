package hipaa

// PHIFieldConfig maps a record kind to the top-level keys that carry
// Protected Health Information and are encrypted at rest.
type PHIFieldConfig struct {
	// Record is the logical record name, e.g. "submission".
	Record string
	// Fields lists the top-level keys of the record that contain PHI.
	Fields []string
}

const redactedValue = "[REDACTED]"

// Intake form keys that hold PHI.
var SubmissionPHIFields = []string{
	"email",
	"first_name",
	"last_name",
	"phone",
	"date_of_birth",
	"address",
	"eligibility_answers",
	"chief_complaint",
	"medical_history",
	"medications",
	"allergies",
}

// Patient demographic keys that hold PHI.
var PatientPHIFields = []string{
	"email",
	"first_name",
	"last_name",
	"phone",
	"date_of_birth",
	"address",
}

// DefaultPHIFields returns the PHI field configuration for every record that
// stores an encoded phi document.
func DefaultPHIFields() []PHIFieldConfig {
	return []PHIFieldConfig{
		{Record: "submission", Fields: SubmissionPHIFields},
		{Record: "patient", Fields: PatientPHIFields},
	}
}

// PHIFieldPaths returns a flat set of "<record>.<field>" strings for fast
// look-up. Example key: "patient.phone".
func PHIFieldPaths() map[string]bool {
	paths := make(map[string]bool)
	for _, cfg := range DefaultPHIFields() {
		for _, f := range cfg.Fields {
			paths[cfg.Record+"."+f] = true
		}
	}
	return paths
}

// IsPHIField reports whether key is designated PHI in any record.
func IsPHIField(key string) bool {
	for _, cfg := range DefaultPHIFields() {
		for _, f := range cfg.Fields {
			if f == key {
				return true
			}
		}
	}
	return false
}

// RedactPHI returns a shallow copy of rec with every designated PHI value
// replaced. Used before a record reaches a log line or an audit entry.
func RedactPHI(rec map[string]any) map[string]any {
	if rec == nil {
		return nil
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if IsPHIField(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = v
	}
	return out
}
