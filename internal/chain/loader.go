package chain

import (
	"fmt"

	"github.com/spf13/viper"
)

type chainsFile struct {
	Chains []Descriptor `mapstructure:"chains"`
}

// LoadFile reads descriptors from a json, yaml or toml file and merges them
// over base. Entries with the same family and id replace the base entry;
// new entries are appended.
func LoadFile(path string, base []Descriptor) ([]Descriptor, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read chains file %s: %w", path, err)
	}

	var file chainsFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to decode chains file %s: %w", path, err)
	}

	out := make([]Descriptor, len(base))
	copy(out, base)

	for _, d := range file.Chains {
		if d.Family == "" || d.ID == "" {
			return nil, fmt.Errorf("chains file %s: every chain needs family and id", path)
		}
		replaced := false
		for i := range out {
			if out[i].Family == d.Family && out[i].ID == d.ID {
				out[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, d)
		}
	}
	return out, nil
}
