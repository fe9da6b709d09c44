package profiles

import (
	"fmt"
	"strconv"
	"strings"
)

// HexUint32 是可以从多种 YAML 形式解析的 uint32:
// 数字 (4096)、十六进制字符串 ("0x1000")、十进制字符串 ("4096")。
// 固件布局习惯用十六进制写地址, 配置里两种都要认。
type HexUint32 struct {
	value uint32
}

// NewHexUint32 构造
func NewHexUint32(v uint32) HexUint32 {
	return HexUint32{value: v}
}

// Value 返回 uint32 值
func (h HexUint32) Value() uint32 {
	return h.value
}

// IsZero 检查值是否为 0
func (h HexUint32) IsZero() bool {
	return h.value == 0
}

func (h HexUint32) String() string {
	return fmt.Sprintf("0x%x", h.value)
}

// UnmarshalYAML 实现 yaml.v2 的 Unmarshaler 接口
func (h *HexUint32) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// 先按数字解析
	var num int64
	if err := unmarshal(&num); err == nil {
		if num < 0 || num > int64(^uint32(0)) {
			return fmt.Errorf("value %d out of uint32 range", num)
		}
		h.value = uint32(num)
		return nil
	}

	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("neither number nor string")
	}
	str = strings.TrimSpace(str)
	if str == "" || str == "0x" {
		h.value = 0
		return nil
	}

	base := 10
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		str = str[2:]
		base = 16
	}
	v, err := strconv.ParseUint(str, base, 32)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %v", str, err)
	}
	h.value = uint32(v)
	return nil
}

// MarshalYAML 序列化为十六进制字符串
func (h HexUint32) MarshalYAML() (interface{}, error) {
	return h.String(), nil
}

// AutoUint 是 "auto" 或一个非负整数 (max_writes 字段)
type AutoUint struct {
	Auto  bool
	Value uint64
}

func (a *AutoUint) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var num uint64
	if err := unmarshal(&num); err == nil {
		a.Value = num
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("neither number nor string")
	}
	if strings.EqualFold(strings.TrimSpace(str), "auto") {
		a.Auto = true
		return nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(str), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid max_writes %q", str)
	}
	a.Value = v
	return nil
}

func (a AutoUint) MarshalYAML() (interface{}, error) {
	if a.Auto {
		return "auto", nil
	}
	return a.Value, nil
}
