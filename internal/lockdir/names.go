package lockdir

import (
	"fmt"
	"strconv"
	"strings"
)

// Lock names shared by the daemon, workers, and submitters.
const (
	NameDaemon = "daemon"
	NameQueue  = "queue"
	NameDone   = "done"
	NameError  = "error"

	devicePrefix = "dev"
	casePrefix   = "case-"
)

// DeviceName returns the lock name of device ordinal n.
func DeviceName(n int) string {
	return devicePrefix + strconv.Itoa(n)
}

// ParseDeviceName extracts the ordinal from a devN lock name.
func ParseDeviceName(name string) (int, error) {
	digits, ok := strings.CutPrefix(name, devicePrefix)
	if !ok || digits == "" {
		return 0, fmt.Errorf("device name %q must look like %s<N>", name, devicePrefix)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("device name %q has invalid ordinal", name)
	}
	return n, nil
}

// CaseDataName returns the lock guarding production of a case's raw data at
// one dose.
func CaseDataName(caseID string, dose int) string {
	return casePrefix + caseID + "-d" + strconv.Itoa(dose)
}
