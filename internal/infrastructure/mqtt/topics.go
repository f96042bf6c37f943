package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "fieldlink"

// Topics builds the upstream topic hierarchy under a prefix:
//
//	{prefix}/system/status
//	{prefix}/devices/{device_id}/{transport}   relayed events
//	{prefix}/devices/{device_id}/command       inbound commands
//
// The zero value uses DefaultTopicPrefix.
type Topics struct {
	Prefix string
}

// NewTopics returns a builder for prefix, trimming any trailing slash.
func NewTopics(prefix string) Topics {
	return Topics{Prefix: strings.TrimSuffix(prefix, "/")}
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// SystemStatus returns the retained online/offline status topic.
//
// Example: fieldlink/system/status
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// DeviceEvent returns the topic a device's events are relayed on.
//
// Example: fieldlink/devices/7/socket
func (t Topics) DeviceEvent(deviceID int64, transport string) string {
	return fmt.Sprintf("%s/devices/%d/%s", t.prefix(), deviceID, transport)
}

// DeviceCommand returns the topic commands for one device arrive on.
//
// Example: fieldlink/devices/7/command
func (t Topics) DeviceCommand(deviceID int64) string {
	return fmt.Sprintf("%s/devices/%d/command", t.prefix(), deviceID)
}

// AllDeviceCommands returns the wildcard matching every device's command topic.
//
// Pattern: fieldlink/devices/+/command
func (t Topics) AllDeviceCommands() string {
	return t.prefix() + "/devices/+/command"
}

// ParseDeviceCommand extracts the device id from a command topic.
func (t Topics) ParseDeviceCommand(topic string) (int64, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/devices/")
	if !ok {
		return 0, false
	}
	idPart, ok := strings.CutSuffix(rest, "/command")
	if !ok || idPart == "" || strings.Contains(idPart, "/") {
		return 0, false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
