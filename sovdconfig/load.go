package sovdconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Load reads and decodes a gateway configuration file from path.
func Load(path string) (*File, error) {
	var f File
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("sovdconfig: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("sovdconfig: %s has unrecognized keys: %v", path, undecoded)
	}
	return &f, nil
}
