package backend

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadBackendConfig reads and seals the gridqd config file at path.
//
// A missing file, broken yaml or a misconfiguration is an error.
func LoadBackendConfig(path string) (*BackendConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

// Unmarshal parses a yaml document and seals it.
//
// Misconfiguration is returned as an error.
func Unmarshal(conf []byte) (out *BackendConfig, err error) {
	var _out *BackendConfigMarshall
	if err := yaml.Unmarshal(conf, &_out); err != nil {
		return nil, err
	}
	if _out == nil {
		return nil, fmt.Errorf("config is empty")
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("misconfiguration: %v", r)
		}
	}()
	return TrySeal(_out), nil
}
