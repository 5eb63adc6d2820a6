package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ID is an opaque RealTimeManager identifier. The service sends integers,
// but strings are accepted too and each ID is sent back in the form it
// arrived in.
type ID struct {
	text    string
	numeric bool
}

// NumericID returns an ID that encodes as a JSON number.
func NumericID(text string) ID { return ID{text: text, numeric: true} }

// StringID returns an ID that encodes as a JSON string.
func StringID(text string) ID { return ID{text: text} }

func (id ID) String() string { return id.text }

func (id ID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.text), nil
	}
	return json.Marshal(id.text)
}

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if n == "" {
		return errors.New("id must be a string or a number")
	}
	*id = NumericID(n.String())
	return nil
}

// ActiveTrip is an in-service trip with a known delay, in GTFS-realtime
// polarity (positive = late).
type ActiveTrip struct {
	TripID string
	Delay  int32
}

// rpcRequest is the JSON-RPC style envelope RealTimeManager expects.
type rpcRequest struct {
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	Version string `json:"version"`
}

type travelPointsParams struct {
	TravelPointsReqs []travelPointsReq `json:"travelPointsReqs"`
	Interval         int               `json:"interval"`
}

type travelPointsReq struct {
	LineDirID  ID     `json:"lineDirId"`
	CallingApp string `json:"callingApp"`
}

// Response shapes. Pointer fields distinguish absent keys from zero values.

type linesResponse struct {
	Result *struct {
		RetLineWithDirInfos *[]lineWithDirInfo `json:"retLineWithDirInfos"`
	} `json:"result"`
}

type lineWithDirInfo struct {
	DrInfos *[]dirInfo `json:"drInfos"`
}

type dirInfo struct {
	LineDirID *ID `json:"lineDirId"`
}

type travelPointsResponse struct {
	Result *struct {
		TravelPoints *[]travelPoint `json:"travelPoints"`
	} `json:"result"`
}

// travelPoint keeps numbers as json.Number so integral values written as
// floats ("120.0") are accepted; see integral.
type travelPoint struct {
	TripID        *ID          `json:"TripId"`
	VehicleStatus *json.Number `json:"VehicleStatus"`
	ESchA         *json.Number `json:"ESchA"`
}

// integral returns n as an int64 when it has no fractional part.
func integral(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%s is not an integer", n)
	}
	return int64(f), nil
}
