// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package frame

import (
	"fmt"
	"net"
)

// DataType is the low-nibble type tag of an encoded value.
type DataType uint8

const (
	DataNull   DataType = 0
	DataBool   DataType = 1
	DataInt32  DataType = 2
	DataUint32 DataType = 3
	DataInt64  DataType = 4
	DataUint64 DataType = 5
	DataIPv4   DataType = 6
	DataIPv6   DataType = 7
	DataStr    DataType = 8
	DataBin    DataType = 9

	dataTypeMask DataType = 0x0f
	// FlagBoolTrue carries a BOOL's value in the high nibble of its type
	// byte rather than in a following data byte.
	FlagBoolTrue DataType = 0x10
)

// Value is a decoded SPOE data item: one of bool/int32/uint32/int64/uint64/
// net.IP/string/[]byte, or nil for DataNull.
type Value struct {
	Type DataType
	Bool bool
	I32  int32
	U32  uint32
	I64  int64
	U64  uint64
	IP   net.IP
	Str  string
	Bin  []byte
}

func Null() Value                { return Value{Type: DataNull} }
func Bool(b bool) Value          { return Value{Type: DataBool, Bool: b} }
func Int32(v int32) Value        { return Value{Type: DataInt32, I32: v} }
func Uint32(v uint32) Value      { return Value{Type: DataUint32, U32: v} }
func Int64(v int64) Value        { return Value{Type: DataInt64, I64: v} }
func Uint64(v uint64) Value      { return Value{Type: DataUint64, U64: v} }
func Str(s string) Value         { return Value{Type: DataStr, Str: s} }
func Bin(b []byte) Value         { return Value{Type: DataBin, Bin: b} }
func IPValue(ip net.IP) Value {
	if v4 := ip.To4(); v4 != nil {
		return Value{Type: DataIPv4, IP: v4}
	}
	return Value{Type: DataIPv6, IP: ip.To16()}
}

// AppendValue appends the typed encoding of v (type byte + payload) to buf.
func AppendValue(buf []byte, v Value) []byte {
	switch v.Type {
	case DataNull:
		return append(buf, byte(DataNull))
	case DataBool:
		tb := byte(DataBool)
		if v.Bool {
			tb |= byte(FlagBoolTrue)
		}
		return append(buf, tb)
	case DataInt32:
		buf = append(buf, byte(DataInt32))
		return AppendVarint(buf, uint64(uint32(v.I32)))
	case DataUint32:
		buf = append(buf, byte(DataUint32))
		return AppendVarint(buf, uint64(v.U32))
	case DataInt64:
		buf = append(buf, byte(DataInt64))
		return AppendVarint(buf, uint64(v.I64))
	case DataUint64:
		buf = append(buf, byte(DataUint64))
		return AppendVarint(buf, v.U64)
	case DataIPv4:
		buf = append(buf, byte(DataIPv4))
		return append(buf, v.IP.To4()...)
	case DataIPv6:
		buf = append(buf, byte(DataIPv6))
		return append(buf, v.IP.To16()...)
	case DataStr:
		buf = append(buf, byte(DataStr))
		return appendLenPrefixed(buf, []byte(v.Str))
	case DataBin:
		buf = append(buf, byte(DataBin))
		return appendLenPrefixed(buf, v.Bin)
	default:
		return append(buf, byte(DataNull))
	}
}

func appendLenPrefixed(buf, data []byte) []byte {
	buf = AppendVarint(buf, uint64(len(data)))
	return append(buf, data...)
}

// DecodeValue decodes one typed value from the head of data, returning the
// value and the number of bytes consumed.
func DecodeValue(data []byte) (Value, int, error) {
	if len(data) == 0 {
		return Value{}, 0, ErrTruncated
	}
	typeByte := data[0]
	tag := DataType(typeByte) & dataTypeMask
	rest := data[1:]
	consumed := 1

	switch tag {
	case DataNull:
		return Null(), consumed, nil
	case DataBool:
		return Bool(DataType(typeByte)&FlagBoolTrue != 0), consumed, nil
	case DataInt32:
		v, n, err := DecodeVarint(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Int32(int32(uint32(v))), consumed + n, nil
	case DataUint32:
		v, n, err := DecodeVarint(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Uint32(uint32(v)), consumed + n, nil
	case DataInt64:
		v, n, err := DecodeVarint(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Int64(int64(v)), consumed + n, nil
	case DataUint64:
		v, n, err := DecodeVarint(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Uint64(v), consumed + n, nil
	case DataIPv4:
		if len(rest) < 4 {
			return Value{}, 0, ErrTruncated
		}
		ip := net.IP(append([]byte{}, rest[:4]...))
		return Value{Type: DataIPv4, IP: ip}, consumed + 4, nil
	case DataIPv6:
		if len(rest) < 16 {
			return Value{}, 0, ErrTruncated
		}
		ip := net.IP(append([]byte{}, rest[:16]...))
		return Value{Type: DataIPv6, IP: ip}, consumed + 16, nil
	case DataStr:
		s, n, err := decodeLenPrefixed(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Str(string(s)), consumed + n, nil
	case DataBin:
		b, n, err := decodeLenPrefixed(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Bin(b), consumed + n, nil
	default:
		return Value{}, 0, fmt.Errorf("%w: %#x", ErrUnknownDataTag, typeByte)
	}
}

func decodeLenPrefixed(data []byte) ([]byte, int, error) {
	l, n, err := DecodeVarint(data)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(data)-n) < l {
		return nil, 0, ErrTruncated
	}
	return data[n : n+int(l)], n + int(l), nil
}

// Item is a key/value pair as carried in HELLO items and NOTIFY message
// arguments: <key-string><type:u8><value>.
type Item struct {
	Key   string
	Value Value
}

// AppendItem appends the wire encoding of one item to buf.
func AppendItem(buf []byte, it Item) []byte {
	buf = appendLenPrefixed(buf, []byte(it.Key))
	return AppendValue(buf, it.Value)
}

// DecodeItem decodes one item from the head of data.
func DecodeItem(data []byte) (Item, int, error) {
	key, n, err := decodeLenPrefixed(data)
	if err != nil {
		return Item{}, 0, fmt.Errorf("decoding item key: %w", err)
	}
	val, m, err := DecodeValue(data[n:])
	if err != nil {
		return Item{}, 0, fmt.Errorf("decoding item %q value: %w", key, err)
	}
	return Item{Key: string(key), Value: val}, n + m, nil
}

// DecodeItems decodes a flat run of items until data is exhausted, as used
// by HELLO/AGENT-HELLO payloads.
func DecodeItems(data []byte) ([]Item, error) {
	var items []Item
	for len(data) > 0 {
		it, n, err := DecodeItem(data)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
		data = data[n:]
	}
	return items, nil
}

// Lookup returns the first item with the given key.
func Lookup(items []Item, key string) (Value, bool) {
	for _, it := range items {
		if it.Key == key {
			return it.Value, true
		}
	}
	return Value{}, false
}
