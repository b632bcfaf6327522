// Package topic parses the MQTT topic grammar
// msh/<region>/<area>/<channel_id>/e/<channel_name>/!<hex_gateway_id>[/...]
// into the channel name and first-hop gateway node ID.
package topic

import (
	"strconv"
	"strings"
)

// Parsed holds the two facts extractable from an inbound topic. Both are
// nil-able; absence is not an error.
type Parsed struct {
	ChannelName *string
	GatewayID   *uint32
}

// Parse extracts the channel name and gateway node ID from an MQTT topic.
//
// ChannelName is the path segment immediately following the literal "e",
// provided that segment does not itself start with "!". GatewayID is the
// first path segment anywhere in the topic of the form "!<8-hex>", decoded
// as a 32-bit integer.
func Parse(mqttTopic string) Parsed {
	segments := strings.Split(mqttTopic, "/")

	var result Parsed
	for i, seg := range segments {
		if seg != "e" {
			continue
		}
		if i+1 < len(segments) {
			next := segments[i+1]
			if !strings.HasPrefix(next, "!") {
				name := next
				result.ChannelName = &name
			}
		}
		break
	}

	for _, seg := range segments {
		if id, ok := parseGatewaySegment(seg); ok {
			result.GatewayID = &id
			break
		}
	}

	return result
}

func parseGatewaySegment(seg string) (uint32, bool) {
	if !strings.HasPrefix(seg, "!") || len(seg) != 9 {
		return 0, false
	}
	v, err := strconv.ParseUint(seg[1:], 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
