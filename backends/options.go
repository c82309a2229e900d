package backends

import (
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Options parsed from a backend configuration: a comma-separated list of flags ("noblas") or
// "key=value" pairs ("parallelism=4").
//
// Backends read the options they know about, and then call Options.Done to reject unknown ones.
type Options struct {
	values map[string]string
	order  []string
	read   map[string]bool
}

// ParseOptions parses the options part of a backend configuration.
func ParseOptions(options string) *Options {
	o := &Options{values: make(map[string]string), read: make(map[string]bool)}
	for _, part := range strings.Split(options, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if _, found := o.values[key]; !found {
			o.order = append(o.order, key)
		}
		o.values[key] = strings.TrimSpace(value)
	}
	return o
}

// Has returns whether the option (flag or key) was given.
func (o *Options) Has(key string) bool {
	o.read[key] = true
	_, found := o.values[key]
	return found
}

// Int returns the value of the option as an int, or defaultValue if it was not given.
func (o *Options) Int(key string, defaultValue int) (int, error) {
	o.read[key] = true
	value, found := o.values[key]
	if !found {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, errors.Wrapf(err, "option %q=%q is not an integer", key, value)
	}
	return v, nil
}

// Bytes returns the value of the option parsed as a human-readable size (e.g. "64MiB", "1GB"), or
// defaultValue if it was not given.
func (o *Options) Bytes(key string, defaultValue uint64) (uint64, error) {
	o.read[key] = true
	value, found := o.values[key]
	if !found {
		return defaultValue, nil
	}
	v, err := humanize.ParseBytes(value)
	if err != nil {
		return defaultValue, errors.Wrapf(err, "option %q=%q is not a valid size", key, value)
	}
	return v, nil
}

// Done returns an error listing the options that were given but never read.
func (o *Options) Done() error {
	var unknown []string
	for _, key := range o.order {
		if !o.read[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		return errors.Errorf("unknown backend options %q", unknown)
	}
	return nil
}

// Keys returns the options given, in order.
func (o *Options) Keys() []string {
	return slices.Clone(o.order)
}
