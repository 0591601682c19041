package distributed

// WireFormat selects how feature payloads (float32 values) are encoded by transports that
// serialize them.
//
// In-process transports ignore it.
type WireFormat int

//go:generate go tool enumer -type WireFormat -trimprefix=Wire -output=gen_wireformat_enumer.go wireformat.go

const (
	// WireFloat32 sends the values unchanged, 4 bytes each.
	WireFloat32 WireFormat = iota

	// WireFloat16 converts values to IEEE-754 half precision on the wire, 2 bytes each.
	// Results are no longer bit-exact.
	WireFloat16
)

// BytesPerValue returns the number of bytes used to encode one float32 value.
func (w WireFormat) BytesPerValue() int {
	if w == WireFloat16 {
		return 2
	}
	return 4
}
