package xid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const offlinePrefix = "offline_"

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// ClientRef identifies a sale across the device and the remote store.
func ClientRef() string {
	return uuid.NewString()
}

func Offline(localID int64) string {
	return offlinePrefix + strconv.FormatInt(localID, 10)
}

func IsOffline(id string) bool {
	return strings.HasPrefix(id, offlinePrefix)
}

func ParseOffline(id string) (int64, bool) {
	if !IsOffline(id) {
		return 0, false
	}
	localID, err := strconv.ParseInt(strings.TrimPrefix(id, offlinePrefix), 10, 64)
	if err != nil || localID < 1 {
		return 0, false
	}
	return localID, true
}
