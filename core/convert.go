package core

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// helpers over abi-unpacked outputs

func outBig(out []interface{}, i int) (*big.Int, error) {
	if i >= len(out) {
		return nil, errors.Errorf("output %d missing", i)
	}
	v, ok := out[i].(*big.Int)
	if !ok {
		return nil, errors.Errorf("output %d is %T, want *big.Int", i, out[i])
	}
	return v, nil
}

func outAddress(out []interface{}, i int) (common.Address, error) {
	if i >= len(out) {
		return common.Address{}, errors.Errorf("output %d missing", i)
	}
	v, ok := out[i].(common.Address)
	if !ok {
		return common.Address{}, errors.Errorf("output %d is %T, want address", i, out[i])
	}
	return v, nil
}

func outAddresses(out []interface{}, i int) ([]common.Address, error) {
	if i >= len(out) {
		return nil, errors.Errorf("output %d missing", i)
	}
	v, ok := out[i].([]common.Address)
	if !ok {
		return nil, errors.Errorf("output %d is %T, want address[]", i, out[i])
	}
	return v, nil
}

func outString(out []interface{}, i int) (string, error) {
	if i >= len(out) {
		return "", errors.Errorf("output %d missing", i)
	}
	v, ok := out[i].(string)
	if !ok {
		return "", errors.Errorf("output %d is %T, want string", i, out[i])
	}
	return v, nil
}

func outBool(out []interface{}, i int) (bool, error) {
	if i >= len(out) {
		return false, errors.Errorf("output %d missing", i)
	}
	v, ok := out[i].(bool)
	if !ok {
		return false, errors.Errorf("output %d is %T, want bool", i, out[i])
	}
	return v, nil
}

func outUint8(out []interface{}, i int) (uint8, error) {
	if i >= len(out) {
		return 0, errors.Errorf("output %d missing", i)
	}
	v, ok := out[i].(uint8)
	if !ok {
		return 0, errors.Errorf("output %d is %T, want uint8", i, out[i])
	}
	return v, nil
}

// helpers over json-decoded draft values

func draftString(draft map[string]interface{}, key string) (string, bool) {
	v, ok := draft[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// draftBig accepts integers encoded as strings or json numbers.
func draftBig(draft map[string]interface{}, key string) (*big.Int, bool) {
	v, ok := draft[key]
	if !ok {
		return nil, false
	}
	switch n := v.(type) {
	case string:
		return new(big.Int).SetString(strings.TrimSpace(n), 10)
	case json.Number:
		return new(big.Int).SetString(n.String(), 10)
	case float64:
		f := new(big.Float).SetFloat64(n)
		if !f.IsInt() {
			return nil, false
		}
		i, _ := f.Int(nil)
		return i, true
	case int:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case *big.Int:
		return n, n != nil
	default:
		return nil, false
	}
}

func draftBool(draft map[string]interface{}, key string) (bool, bool) {
	v, ok := draft[key]
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	default:
		return false, false
	}
}

var tokenUnit = decimal.New(1, 18)

// scaleDown converts a raw 18 decimals token amount into whole units.
func scaleDown(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, 0).Div(tokenUnit)
}

func toDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}
