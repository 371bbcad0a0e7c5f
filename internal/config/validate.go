package config

// Mandatory artifact paths.
const (
	KeyBaseRestorePath    = "model.restore_from_path"
	KeyAdapterRestorePath = "model.peft.restore_from_path"
)

// Validate checks the keys an evaluation run cannot start without.
func Validate(t Tree) error {
	for _, k := range []string{KeyBaseRestorePath, KeyAdapterRestorePath} {
		if !t.IsSet(k) {
			return ErrMissingField(k)
		}
	}
	return nil
}
