package lockdir

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

var errMalformedMarker = errors.New("malformed lock marker")

// Owner is the diagnostic record written into a marker. It is never used to
// decide who may release a lock.
type Owner struct {
	PID        int
	Host       string
	Token      string
	AcquiredAt time.Time
}

func newOwner(host string) Owner {
	return Owner{
		PID:        os.Getpid(),
		Host:       host,
		Token:      uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	}
}

func (o Owner) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", o.PID)
	fmt.Fprintf(&b, "host=%s\n", o.Host)
	fmt.Fprintf(&b, "token=%s\n", o.Token)
	fmt.Fprintf(&b, "acquired_at=%s\n", o.AcquiredAt.Format(time.RFC3339Nano))
	return b.String()
}

// readOwner parses a marker. A marker caught between creation and its first
// write is empty and reported as errMalformedMarker.
func readOwner(path string) (Owner, error) {
	f, err := os.Open(path)
	if err != nil {
		return Owner{}, err
	}
	defer f.Close()

	var owner Owner
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			owner.PID, _ = strconv.Atoi(value)
		case "host":
			owner.Host = value
		case "token":
			owner.Token = value
		case "acquired_at":
			owner.AcquiredAt, _ = time.Parse(time.RFC3339Nano, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return Owner{}, err
	}
	if owner.PID <= 0 || owner.Token == "" {
		return Owner{}, errMalformedMarker
	}
	return owner, nil
}

// processAlive reports whether pid exists. EPERM means it exists under
// another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
