package upload

// Secret is a sensitive input value, e.g. the coordinator access token.
// It redacts itself in every printed representation; read the raw value
// with an explicit string conversion.
type Secret string

const secretRedacted = "*****"

func (s Secret) String() string {
	return secretRedacted
}

// MarshalJSON redacts the value in JSON output as well.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + secretRedacted + `"`), nil
}
