package nvs

import (
	"context"
	"fmt"
	"hash/crc32"

	"github.com/nvsdb/nvs/pkg/item"
	"github.com/nvsdb/nvs/pkg/page"
)

// MaxBlobSize is the largest payload SetString/SetBlob will accept: a
// variable-length value must fit in a single page alongside its header
// slot, so it can never span pages the way a multi-page value would
// require its own reassembly logic (§9 open question, resolved: single-
// page values only).
const MaxBlobSize = (page.EntryCount - 1) * page.EntrySize

func setPrimitive(ctx context.Context, h *Handle, typ item.DataType, key string, value uint64) error {
	return setItem(ctx, h, typ, key, item.EncodePrimitive(typ, value), nil, 1)
}

func getPrimitive(ctx context.Context, h *Handle, typ item.DataType, key string) (uint64, error) {
	hdr, _, err := getItem(ctx, h, typ, key)
	if err != nil {
		return 0, err
	}
	return item.DecodePrimitive(hdr.Type, hdr.Payload), nil
}

// SetU8 stores an 8-bit unsigned value under key.
func (h *Handle) SetU8(ctx context.Context, key string, value uint8) error {
	return setPrimitive(ctx, h, item.TypeU8, key, uint64(value))
}

// GetU8 retrieves an 8-bit unsigned value stored under key.
func (h *Handle) GetU8(ctx context.Context, key string) (uint8, error) {
	v, err := getPrimitive(ctx, h, item.TypeU8, key)
	return uint8(v), err
}

// SetI8 stores an 8-bit signed value under key.
func (h *Handle) SetI8(ctx context.Context, key string, value int8) error {
	return setPrimitive(ctx, h, item.TypeI8, key, uint64(uint8(value)))
}

// GetI8 retrieves an 8-bit signed value stored under key.
func (h *Handle) GetI8(ctx context.Context, key string) (int8, error) {
	v, err := getPrimitive(ctx, h, item.TypeI8, key)
	return int8(uint8(v)), err
}

// SetU16 stores a 16-bit unsigned value under key.
func (h *Handle) SetU16(ctx context.Context, key string, value uint16) error {
	return setPrimitive(ctx, h, item.TypeU16, key, uint64(value))
}

// GetU16 retrieves a 16-bit unsigned value stored under key.
func (h *Handle) GetU16(ctx context.Context, key string) (uint16, error) {
	v, err := getPrimitive(ctx, h, item.TypeU16, key)
	return uint16(v), err
}

// SetI16 stores a 16-bit signed value under key.
func (h *Handle) SetI16(ctx context.Context, key string, value int16) error {
	return setPrimitive(ctx, h, item.TypeI16, key, uint64(uint16(value)))
}

// GetI16 retrieves a 16-bit signed value stored under key.
func (h *Handle) GetI16(ctx context.Context, key string) (int16, error) {
	v, err := getPrimitive(ctx, h, item.TypeI16, key)
	return int16(uint16(v)), err
}

// SetU32 stores a 32-bit unsigned value under key.
func (h *Handle) SetU32(ctx context.Context, key string, value uint32) error {
	return setPrimitive(ctx, h, item.TypeU32, key, uint64(value))
}

// GetU32 retrieves a 32-bit unsigned value stored under key.
func (h *Handle) GetU32(ctx context.Context, key string) (uint32, error) {
	v, err := getPrimitive(ctx, h, item.TypeU32, key)
	return uint32(v), err
}

// SetI32 stores a 32-bit signed value under key.
func (h *Handle) SetI32(ctx context.Context, key string, value int32) error {
	return setPrimitive(ctx, h, item.TypeI32, key, uint64(uint32(value)))
}

// GetI32 retrieves a 32-bit signed value stored under key.
func (h *Handle) GetI32(ctx context.Context, key string) (int32, error) {
	v, err := getPrimitive(ctx, h, item.TypeI32, key)
	return int32(uint32(v)), err
}

// SetU64 stores a 64-bit unsigned value under key.
func (h *Handle) SetU64(ctx context.Context, key string, value uint64) error {
	return setPrimitive(ctx, h, item.TypeU64, key, value)
}

// GetU64 retrieves a 64-bit unsigned value stored under key.
func (h *Handle) GetU64(ctx context.Context, key string) (uint64, error) {
	return getPrimitive(ctx, h, item.TypeU64, key)
}

// SetI64 stores a 64-bit signed value under key.
func (h *Handle) SetI64(ctx context.Context, key string, value int64) error {
	return setPrimitive(ctx, h, item.TypeI64, key, uint64(value))
}

// GetI64 retrieves a 64-bit signed value stored under key.
func (h *Handle) GetI64(ctx context.Context, key string) (int64, error) {
	v, err := getPrimitive(ctx, h, item.TypeI64, key)
	return int64(v), err
}

// SetString stores s under key as a null-terminated variable-length
// value: the stored and reported length is len(s)+1, the trailing NUL
// included, matching the on-flash SZ encoding. s (plus its terminator)
// must fit within MaxBlobSize.
func (h *Handle) SetString(ctx context.Context, key string, s string) error {
	return setVarLen(ctx, h, item.TypeSZ, key, append([]byte(s), 0))
}

// GetString retrieves the string stored under key into buf, including its
// trailing NUL, and returns the number of bytes written (len(s)+1). If
// buf is too small, ErrInvalidLength is returned along with the required
// length.
func (h *Handle) GetString(ctx context.Context, key string, buf []byte) (int, error) {
	return getVarLen(ctx, h, item.TypeSZ, key, buf)
}

// SetBlob stores data under key as a variable-length byte value. data must
// fit within MaxBlobSize.
func (h *Handle) SetBlob(ctx context.Context, key string, data []byte) error {
	return setVarLen(ctx, h, item.TypeBlob, key, data)
}

// GetBlob retrieves the blob stored under key into buf, returning the
// number of bytes written. If buf is too small, ErrInvalidLength is
// returned along with the required length.
func (h *Handle) GetBlob(ctx context.Context, key string, buf []byte) (int, error) {
	return getVarLen(ctx, h, item.TypeBlob, key, buf)
}

func setVarLen(ctx context.Context, h *Handle, typ item.DataType, key string, data []byte) error {
	if len(data) > MaxBlobSize {
		return fmt.Errorf("nvs: Set %s/%q: %w: value of %d bytes exceeds the %d-byte single-page limit",
			h.name, key, ErrInvalidLength, len(data), MaxBlobSize)
	}
	meta := item.EncodeVarLenMeta(uint16(len(data)), crc32.ChecksumIEEE(data))
	span := item.SpanForPayload(len(data))
	return setItem(ctx, h, typ, key, meta, data, span)
}

func getVarLen(ctx context.Context, h *Handle, typ item.DataType, key string, buf []byte) (int, error) {
	_, data, err := getItem(ctx, h, typ, key)
	if err != nil {
		return 0, err
	}
	if len(buf) < len(data) {
		return len(data), fmt.Errorf("nvs: Get %s/%q: %w: buffer holds %d bytes, value is %d",
			h.name, key, ErrInvalidLength, len(buf), len(data))
	}
	return copy(buf, data), nil
}
