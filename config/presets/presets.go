// Package presets holds named configurations that replace the defaults as a
// whole before the config file and the flags are applied.
package presets

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spacemeshos/go-merklesync/config"
)

var presets = map[string]config.Config{}

func register(name string, preset config.Config) {
	if _, exist := presets[name]; exist {
		panic(fmt.Sprintf("BUG: preset with name %s already exists", name))
	}
	presets[name] = preset
}

// Options returns the names of the registered presets.
func Options() []string {
	return slices.Sorted(maps.Keys(presets))
}

// Get returns the preset with the specified name.
func Get(name string) (config.Config, error) {
	preset, exist := presets[name]
	if !exist {
		return config.Config{}, fmt.Errorf("preset %s doesn't exist. select one of %v", name, Options())
	}
	return preset, nil
}
