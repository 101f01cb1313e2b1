package ranging

import (
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
)

// AppleCompanyID is the Bluetooth SIG company identifier used by iBeacon.
const AppleCompanyID = 0x004C

// iBeacon manufacturer payload, after the company id:
// 0x02 0x15 | proximity UUID (16) | major (2, BE) | minor (2, BE) | power (1, signed)
const (
	ibeaconType     = 0x02
	ibeaconLength   = 0x15
	ibeaconDataSize = 2 + ibeaconLength
)

// IBeacon is the identity and calibration carried by an iBeacon frame.
type IBeacon struct {
	UUID          string // upper-case canonical form
	Major         uint16
	Minor         uint16
	MeasuredPower int // RSSI at 1 m, dBm
}

// ParseIBeacon decodes a manufacturer-specific data element. ok is false
// when the element is not an iBeacon frame.
func ParseIBeacon(companyID uint16, data []byte) (b IBeacon, ok bool) {
	if companyID != AppleCompanyID || len(data) < ibeaconDataSize {
		return IBeacon{}, false
	}
	if data[0] != ibeaconType || data[1] != ibeaconLength {
		return IBeacon{}, false
	}
	id, err := uuid.FromBytes(data[2:18])
	if err != nil {
		return IBeacon{}, false
	}
	return IBeacon{
		UUID:          strings.ToUpper(id.String()),
		Major:         binary.BigEndian.Uint16(data[18:20]),
		Minor:         binary.BigEndian.Uint16(data[20:22]),
		MeasuredPower: int(int8(data[22])),
	}, true
}
