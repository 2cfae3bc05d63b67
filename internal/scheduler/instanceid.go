package scheduler

import (
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// GenerateInstanceID returns a unique string for this process
// (hostname+pid+random). It names the owner of delivery claims.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	rnd := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + rnd
}
