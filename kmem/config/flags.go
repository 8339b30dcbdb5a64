// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path of a TOML file with settings; flags given on the command line override it.")

	// Page allocator flags.
	flagSet.Int("num-cpu", 4, "number of CPUs, each with its own free list of page frames.")
	flagSet.Uint64("mem-start", 0x80000000, "first physical address managed by the page allocator.")
	flagSet.Uint64("mem-size", 16<<20, "bytes of physical memory managed by the page allocator.")
	flagSet.Bool("poison", false, "fill page frames with junk on allocation and free to catch dangling references.")

	// Block cache flags.
	flagSet.Int("num-buf", 30, "number of block cache buffers.")
	flagSet.Int("num-buckets", 13, "number of block cache hash buckets.")
	flagSet.Int("block-size", 1024, "disk block size in bytes. Must divide the page size.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written. Logs are discarded if empty; errors always go to stderr. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
}

// flagFields calls fn for every Config field tagged with a flag.
func flagFields(c *Config, fn func(name string, field reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fn(name, obj.Field(i))
	}
}

// setFromFlag stores the value of flag name in field.
func setFromFlag(flagSet *flag.FlagSet, name string, field reflect.Value) {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	field.Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, from the named TOML file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	flagFields(conf, func(name string, field reflect.Value) {
		setFromFlag(flagSet, name, field)
	})

	if conf.ConfigFile != "" {
		md, err := toml.DecodeFile(conf.ConfigFile, conf)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.ConfigFile, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown settings in config file %q: %v", conf.ConfigFile, undecoded)
		}

		// Flags given explicitly win over the file.
		set := make(map[string]bool)
		flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
		flagFields(conf, func(name string, field reflect.Value) {
			if set[name] {
				setFromFlag(flagSet, name, field)
			}
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to their default are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	flagFields(c, func(name string, field reflect.Value) {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val := getVal(field); val != fl.DefValue {
			rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
		}
	})
	return rv
}

func getVal(field reflect.Value) string {
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
