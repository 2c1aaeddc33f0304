package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/m4xw311/acpconn/errors"
)

// ID is a JSON-RPC correlation id: either a string or an integer.
// The zero value is the number 0. IDs are comparable and can key maps.
type ID struct {
	num      int64
	str      string
	isString bool
}

// NumberID returns an integer id.
func NumberID(n int64) ID { return ID{num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{str: s, isString: true} }

// IsString reports whether the id was sent as a JSON string.
func (id ID) IsString() bool { return id.isString }

// Number returns the integer value of a numeric id.
func (id ID) Number() int64 { return id.num }

func (id ID) String() string {
	if id.isString {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.isString {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		// Integral floats such as 7.0 or 1e3 are still valid ids.
		f, ferr := strconv.ParseFloat(string(data), 64)
		if ferr != nil || f != float64(int64(f)) {
			return errors.New("id must be a string or an integer, got %s", data)
		}
		n = int64(f)
	}
	*id = NumberID(n)
	return nil
}
