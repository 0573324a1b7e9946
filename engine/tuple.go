package engine

import (
	"math"
	"strings"
	"time"

	"github.com/migadu/warden/statsdb"
)

// LoginTuple is one login attempt as submitted to allow and report.
type LoginTuple struct {
	Login        string              `json:"login"`
	Remote       string              `json:"remote"`
	PwHash       string              `json:"pwhash"`
	Success      bool                `json:"success"`
	Time         float64             `json:"t,omitempty"` // unix seconds; zero means now
	Attrs        map[string]string   `json:"attrs,omitempty"`
	AttrsMV      map[string][]string `json:"attrs_mv,omitempty"`
	DeviceID     string              `json:"device_id,omitempty"`
	Protocol     string              `json:"protocol,omitempty"`
	TLS          bool                `json:"tls"`
	PolicyReject bool                `json:"policy_reject"`
	JA3          string              `json:"ja3,omitempty"`
}

// At converts the submitted timestamp. Zero, negative and non-finite values
// mean now.
func (lt *LoginTuple) At() time.Time {
	if lt.Time <= 0 || math.IsInf(lt.Time, 0) || math.IsNaN(lt.Time) {
		return time.Time{}
	}
	sec, frac := math.Modf(lt.Time)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// ja3 prefers the explicit field and falls back to the "ja3" attribute.
func (lt *LoginTuple) ja3() string {
	if lt.JA3 != "" {
		return lt.JA3
	}
	return lt.Attrs["ja3"]
}

func (lt *LoginTuple) parts() statsdb.Parts {
	return statsdb.Parts{Login: lt.Login, IP: lt.Remote, JA3: lt.ja3()}
}

// value resolves a counter value source against the attempt.
func (lt *LoginTuple) value(source string) string {
	switch source {
	case "pwhash":
		return lt.PwHash
	case "login":
		return lt.Login
	case "ip":
		if a, err := statsdb.ParseIP(lt.Remote); err == nil {
			return a.String()
		}
		return lt.Remote
	case "device_id":
		return lt.DeviceID
	case "protocol":
		return lt.Protocol
	case "ja3":
		return lt.ja3()
	}
	if name, ok := strings.CutPrefix(source, "attr:"); ok {
		if v, ok := lt.Attrs[name]; ok {
			return v
		}
		if vs := lt.AttrsMV[name]; len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// canonicalLogin applies the configured login normalization.
func canonicalLogin(login string, lowercase bool, defaultDomain string) string {
	login = strings.TrimSpace(login)
	if login == "" {
		return ""
	}
	if lowercase {
		login = strings.ToLower(login)
	}
	if defaultDomain != "" && !strings.Contains(login, "@") {
		login = login + "@" + defaultDomain
	}
	return login
}
