package bri

import "github.com/bri-db/bri/jss"

// encodeEvent/decodeEvent serialise the broadcast payload published on
// db:sub:<type>, using the same JSS encoding as everything else BRI
// persists or ships over the bus.
func encodeEvent(ev Event) string {
	raw, err := jss.Marshal(map[string]interface{}{
		"action": ev.Action,
		"target": ev.Target,
		"actor":  ev.Actor,
		"tag":    ev.Tag,
	})
	if err != nil {
		return ""
	}
	return string(raw)
}

func decodeEvent(payload string) Event {
	v, err := jss.Unmarshal([]byte(payload))
	if err != nil {
		return Event{}
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return Event{}
	}
	ev := Event{}
	if s, ok := m["action"].(string); ok {
		ev.Action = s
	}
	if s, ok := m["target"].(string); ok {
		ev.Target = s
	}
	if s, ok := m["actor"].(string); ok {
		ev.Actor = s
	}
	if s, ok := m["tag"].(string); ok {
		ev.Tag = s
	}
	return ev
}
