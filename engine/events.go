package engine

import "github.com/migadu/warden/policy"

// Notifier receives engine events for webhook delivery. Notify must not
// block.
type Notifier interface {
	Notify(event string, payload any)
}

type AllowEvent struct {
	Request  *LoginTuple    `json:"request"`
	Response *AllowResponse `json:"response"`
	Type     string         `json:"type"`
}

// AllowStatus lets subscribers filter on the decision.
func (e *AllowEvent) AllowStatus() int { return e.Response.Status }

type ReportEvent struct {
	*LoginTuple
	Type string `json:"type"`
}

type ResetEvent struct {
	Login string `json:"login,omitempty"`
	IP    string `json:"ip,omitempty"`
	Type  string `json:"type"`
}

// ListEvent describes a blacklist or whitelist change. Exactly one of
// BLType and WLType is set.
type ListEvent struct {
	Key        string `json:"key"`
	BLType     string `json:"bl_type,omitempty"`
	WLType     string `json:"wl_type,omitempty"`
	Reason     string `json:"reason"`
	ExpireSecs int64  `json:"expire_secs"`
	Type       string `json:"type"`
}

func listEvent(ev policy.Event) *ListEvent {
	out := &ListEvent{
		Key:        ev.Entry.Key,
		Reason:     ev.Entry.Reason,
		ExpireSecs: ev.Entry.ExpireSecs(ev.At),
	}
	if ev.List == policy.Whitelist {
		out.WLType = string(ev.Entry.Type)
	} else {
		out.BLType = string(ev.Entry.Type)
	}
	switch ev.Name {
	case "addbl", "addwl":
		out.Type = "wforce_addblwl"
	case "delbl", "delwl":
		out.Type = "wforce_delblwl"
	default:
		out.Type = "wforce_expireblwl"
	}
	return out
}
