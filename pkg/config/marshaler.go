package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// BytesString is a byte size written in human form, e.g. 5MB or 512KiB.
type BytesString uint64

func (b BytesString) Uint64() uint64 {
	return uint64(b)
}

func (b BytesString) Int64() int64 {
	return int64(b)
}

func (b BytesString) String() string {
	return humanize.Bytes(uint64(b))
}

func (b *BytesString) Decode(value string) error {
	decoded, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("could not parse bytes string: %w", err)
	}

	*b = BytesString(decoded)

	return nil
}

// UnmarshalText lets env defaults and variables use the human form.
func (b *BytesString) UnmarshalText(text []byte) error {
	return b.Decode(string(text))
}

func (b *BytesString) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return b.Decode(s)
}

func (b BytesString) MarshalYAML() (interface{}, error) {
	return humanize.Bytes(uint64(b)), nil
}
