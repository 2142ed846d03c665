package config

import "os"

// ExpandEnv expands environment variables in raw YAML bytes before parsing,
// using the standard shell-style ${VAR}/$VAR syntax.
//
// Missing variables expand to the empty string; validation is responsible
// for catching required fields left empty by a missing variable.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
