package config

import (
	"io"

	"gopkg.in/yaml.v3"
)

// DumpYAML writes the effective configuration as YAML. Used by the
// --print-config flag so operators can see defaults merged with their
// overrides. The API key is redacted.
func DumpYAML(w io.Writer, cfg any) error {
	if wc, ok := cfg.(*WorkerConfig); ok {
		redacted := *wc
		if redacted.Auth.APIKey != "" {
			redacted.Auth.APIKey = "[REDACTED]"
		}
		cfg = &redacted
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}
