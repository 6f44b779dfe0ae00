package idgen

// Generator produces string ids and checks ids of its own format.
type Generator interface {
	Generate() (string, error)
	Validate(id string) (bool, string) // (valid, reason)
}
