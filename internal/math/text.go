package math

// Text encodings render the raw integer in base 10, so JSON carries
// 256-bit values as quoted decimal strings.

func marshalText[T Scaled](x T) ([]byte, error) {
	return []byte(Dec(x)), nil
}

func unmarshalText[T Scaled](dst *T, b []byte) error {
	v, err := FromDecimal[T](string(b))
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func (x Bps) MarshalText() ([]byte, error)  { return marshalText(x) }
func (x *Bps) UnmarshalText(b []byte) error { return unmarshalText(x, b) }
func (x Apy) MarshalText() ([]byte, error)  { return marshalText(x) }
func (x *Apy) UnmarshalText(b []byte) error { return unmarshalText(x, b) }
func (x Wad) MarshalText() ([]byte, error)  { return marshalText(x) }
func (x *Wad) UnmarshalText(b []byte) error { return unmarshalText(x, b) }
func (x Ray) MarshalText() ([]byte, error)  { return marshalText(x) }
func (x *Ray) UnmarshalText(b []byte) error { return unmarshalText(x, b) }
func (x Rad) MarshalText() ([]byte, error)  { return marshalText(x) }
func (x *Rad) UnmarshalText(b []byte) error { return unmarshalText(x, b) }

func (x Bps) String() string { return Dec(x) }
func (x Apy) String() string { return Dec(x) }
func (x Wad) String() string { return Dec(x) }
func (x Ray) String() string { return Dec(x) }
func (x Rad) String() string { return Dec(x) }
