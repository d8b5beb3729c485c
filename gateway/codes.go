package gateway

import "strconv"

// Authority status codes (cStat) the lifecycle depends on.
const (
	CodeAuthorized               = 100
	CodeRangeInvalidated         = 102
	CodeServiceRunning           = 107
	CodeServicePaused            = 108
	CodeServiceStopped           = 109
	CodeEventRegistered          = 135
	CodeEventRegisteredUnlinked  = 136
	CodeDuplicateKeyDifferentKey = 539
)

// ReasonKeyConflict is the rejection that means "number already used with a
// different key"; the caller regenerates the disambiguator and resubmits.
var ReasonKeyConflict = strconv.Itoa(CodeDuplicateKeyDifferentKey)

func IsEventRegistered(code int) bool {
	return code == CodeEventRegistered || code == CodeEventRegisteredUnlinked
}

func serviceStateFor(code int) ServiceState {
	switch code {
	case CodeServiceRunning:
		return ServiceStateUp
	case CodeServicePaused:
		return ServiceStateMaintenance
	default:
		return ServiceStateDown
	}
}
