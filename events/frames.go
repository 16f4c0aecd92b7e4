package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	driverPrefix = "driver:"
	tenantPrefix = "tenant:"

	// PresenceChannel is consumed by the server and never fanned out.
	PresenceChannel = "presence"
)

func DriverChannel(driverID string) string { return driverPrefix + driverID }
func TenantChannel(tenantID string) string { return tenantPrefix + tenantID }

// ParseChannel splits a channel name into its kind ("driver" or "tenant") and id.
func ParseChannel(name string) (kind, id string, ok bool) {
	switch {
	case strings.HasPrefix(name, driverPrefix):
		kind, id = "driver", strings.TrimPrefix(name, driverPrefix)
	case strings.HasPrefix(name, tenantPrefix):
		kind, id = "tenant", strings.TrimPrefix(name, tenantPrefix)
	default:
		return "", "", false
	}
	return kind, id, id != ""
}

// ClientFrame is what a client sends to the hub. Exactly one of Join, Leave or
// Channel+Pub is set.
type ClientFrame struct {
	Join    string    `json:"join,omitempty"`
	Leave   string    `json:"leave,omitempty"`
	Channel string    `json:"channel,omitempty"`
	Pub     *Envelope `json:"pub,omitempty"`
}

func JoinFrame(channel string) ClientFrame  { return ClientFrame{Join: channel} }
func LeaveFrame(channel string) ClientFrame { return ClientFrame{Leave: channel} }

func PublishFrame(channel string, ev Event) (ClientFrame, error) {
	env, err := Encode(ev)
	if err != nil {
		return ClientFrame{}, err
	}
	return ClientFrame{Channel: channel, Pub: &env}, nil
}

func (f ClientFrame) Validate() error {
	kinds := 0
	if f.Join != "" {
		kinds++
	}
	if f.Leave != "" {
		kinds++
	}
	if f.Channel != "" || f.Pub != nil {
		kinds++
		if f.Channel == "" || f.Pub == nil || f.Pub.Event == "" {
			return fmt.Errorf("%w: publish needs channel and pub.event", ErrMalformed)
		}
	}
	if kinds != 1 {
		return fmt.Errorf("%w: frame must carry exactly one of join, leave, pub", ErrMalformed)
	}
	return nil
}

// ParseClientFrame decodes and validates a raw client frame.
func ParseClientFrame(raw []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := f.Validate(); err != nil {
		return ClientFrame{}, err
	}
	return f, nil
}
