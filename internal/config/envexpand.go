package config

import "os"

// ExpandEnv expands ${VAR} and $VAR references in YAML content, grounded on
// tarsy's pkg/config/envexpand.go. Missing variables expand to empty string;
// Validate is responsible for catching fields left empty by that.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
