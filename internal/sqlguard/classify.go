package sqlguard

// Classifier turns raw model output into an executable statement or a coded
// rejection. The regex rules below are the only implementation today; a
// real SQL parser can replace them behind this interface.
type Classifier interface {
	Classify(raw string) (Statement, error)
}

// Rules is the default Classifier: Sanitize followed by Validate.
type Rules struct{}

func (Rules) Classify(raw string) (Statement, error) {
	stmt, err := Sanitize(raw)
	if err != nil {
		return Statement{}, err
	}
	return Validate(stmt)
}

// Classify runs the default rules.
func Classify(raw string) (Statement, error) {
	return Rules{}.Classify(raw)
}
