package protocol

import "fmt"

// CloseNormal is the only close code treated as a deliberate shutdown by the
// client; everything else takes the reconnect path.
const CloseNormal = 1000

var closeReasons = map[int]string{
	1000: "normal closure",
	1001: "going away",
	1002: "protocol error",
	1003: "unsupported data",
	1004: "reserved",
	1005: "no status received",
	1006: "abnormal closure",
	1007: "invalid frame payload data",
	1008: "policy violation",
	1009: "message too big",
	1010: "mandatory extension missing",
	1011: "internal server error",
}

// CloseReason maps a control-channel close code to a human-readable reason.
func CloseReason(code int) string {
	if reason, ok := closeReasons[code]; ok {
		return reason
	}
	return fmt.Sprintf("unknown close code %d", code)
}
