package stacktrace

import (
	"strconv"
	"strings"
)

// nullDereferenceBoundary is one page: fault addresses below it are null
// dereferences.
const nullDereferenceBoundary = 0x1000

// Sentinel addresses the crash-reporting toolchain uses for assertion
// failures.
var assertCrashAddresses = map[uint64]bool{
	0x0000bbadbeef: true,
	0x0000fbadbeef: true,
	0x00001f75b7dd: true,
	0x0000977537dd: true,
	0x00009f7537dd: true,
}

// AddressToInteger converts a hex fault-address string to an integer. An
// unparseable address degrades to 0, which always classifies as a null
// dereference.
func AddressToInteger(address string) uint64 {
	address = strings.TrimPrefix(strings.TrimSpace(address), "0x")
	value, err := strconv.ParseUint(address, 16, 64)
	if err != nil {
		return 0
	}
	return value
}

// IsNullDereference reports whether the fault address indicates a
// null-pointer dereference.
func IsNullDereference(intAddress uint64) bool {
	return intAddress < nullDereferenceBoundary
}

// IsAssertCrashAddress reports whether the fault address is one of the
// known assertion sentinels.
func IsAssertCrashAddress(intAddress uint64) bool {
	return assertCrashAddresses[intAddress]
}
