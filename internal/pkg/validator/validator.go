package validator

// Validator validates structs using tag-based rules.
type Validator interface {
	Validate(data any) error
}
