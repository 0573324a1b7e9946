package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/warden/config"
	"github.com/migadu/warden/engine"
	apierrors "github.com/migadu/warden/pkg/errors"
	"github.com/migadu/warden/pkg/health"
	"github.com/migadu/warden/policy"
	"github.com/migadu/warden/replication"
	"github.com/migadu/warden/statsdb"
)

var (
	post     = []string{http.MethodPost}
	readOnly = []string{http.MethodGet, http.MethodPost}
)

func (s *Server) commandTable() map[string]*command {
	return map[string]*command{
		"allow":         {methods: post, fn: s.handleAllow},
		"report":        {methods: post, fn: s.handleReport},
		"reset":         {methods: post, fn: s.handleReset},
		"addBLEntry":    {methods: post, fn: s.handleAddEntry(policy.Blacklist)},
		"addWLEntry":    {methods: post, fn: s.handleAddEntry(policy.Whitelist)},
		"delBLEntry":    {methods: post, fn: s.handleDelEntry(policy.Blacklist)},
		"delWLEntry":    {methods: post, fn: s.handleDelEntry(policy.Whitelist)},
		"getBL":         {methods: readOnly, fn: s.handleGetList(policy.Blacklist)},
		"getWL":         {methods: readOnly, fn: s.handleGetList(policy.Whitelist)},
		"getDBStats":    {methods: post, fn: s.handleGetDBStats},
		"incLogins":     {methods: post, fn: s.handleNamed(s.engine.IncLogins)},
		"countLogins":   {methods: post, fn: s.handleNamed(s.engine.CountLogins)},
		"resetLogins":   {methods: post, fn: s.handleNamed(s.engine.ResetLogins)},
		"addSibling":    {methods: post, fn: s.handleAddSibling},
		"removeSibling": {methods: post, fn: s.handleRemoveSibling},
		"setSiblings":   {methods: post, fn: s.handleSetSiblings},
		"ping":          {methods: readOnly, fn: s.handlePing},
		"stats":         {methods: readOnly, fn: s.handleStats},
	}
}

// Request/Response types

type okResponse struct {
	Status string `json:"status"`
}

var statusOK = okResponse{Status: "ok"}

type failureResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type resetRequest struct {
	Login string `json:"login"`
	IP    string `json:"ip"`
}

type listEntryRequest struct {
	IP         string `json:"ip"`
	Netmask    string `json:"netmask"`
	Login      string `json:"login"`
	JA3        string `json:"ja3"`
	ExpireSecs int64  `json:"expire_secs"`
	Reason     string `json:"reason"`
}

type loginRequest struct {
	Login string `json:"login"`
}

type namedResponse struct {
	Success bool              `json:"success"`
	Attrs   map[string]string `json:"r_attrs"`
}

type siblingRequest struct {
	Host          string `json:"sibling_host"`
	Port          int    `json:"sibling_port"`
	Protocol      string `json:"sibling_protocol,omitempty"`
	EncryptionKey string `json:"encryption_key,omitempty"`
}

type setSiblingsRequest struct {
	Siblings []json.RawMessage `json:"siblings"`
}

type statsResponse struct {
	UptimeSecs int64             `json:"uptime_secs"`
	Commands   map[string]int64  `json:"commands"`
	Siblings   map[string]string `json:"siblings"`
}

// Handler functions

func (s *Server) decodeTuple(r *http.Request) (engine.LoginTuple, error) {
	var lt engine.LoginTuple
	if err := decodeBody(r, &lt); err != nil {
		return lt, err
	}
	if strings.TrimSpace(lt.Login) == "" {
		return lt, apierrors.BadRequest("missing login field")
	}
	if lt.Remote == "" {
		return lt, apierrors.BadRequest("missing remote field")
	}
	addr, err := statsdb.ParseIP(lt.Remote)
	if err != nil {
		return lt, &apierrors.StatusError{Code: http.StatusBadRequest, Reason: "invalid remote field", Err: err}
	}
	lt.Remote = addr.String()
	return lt, nil
}

func (s *Server) handleAllow(r *http.Request) (any, error) {
	lt, err := s.decodeTuple(r)
	if err != nil {
		return nil, err
	}
	return s.engine.Allow(r.Context(), lt), nil
}

func (s *Server) handleReport(r *http.Request) (any, error) {
	lt, err := s.decodeTuple(r)
	if err != nil {
		return nil, err
	}
	s.engine.Report(r.Context(), lt)
	return statusOK, nil
}

func (s *Server) handleReset(r *http.Request) (any, error) {
	var req resetRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.IP != "" {
		addr, err := statsdb.ParseIP(req.IP)
		if err != nil {
			return nil, &apierrors.StatusError{Code: http.StatusBadRequest, Reason: "invalid ip field", Err: err}
		}
		req.IP = addr.String()
	}
	if err := s.engine.Reset(r.Context(), req.Login, req.IP); err != nil {
		if errors.Is(err, engine.ErrNoResetKey) {
			return nil, apierrors.BadRequest("No ip or login field supplied")
		}
		return nil, err
	}
	return statusOK, nil
}

// resolveEntry turns a list command body into an entry type and key. Logins
// are canonicalized the same way allow and report see them.
func (s *Server) resolveEntry(req listEntryRequest) (policy.Type, string, error) {
	target := policy.Target{IP: req.IP, Netmask: req.Netmask, Login: s.engine.CanonicalLogin(req.Login), JA3: req.JA3}
	return target.Resolve()
}

func (s *Server) handleAddEntry(kind policy.Kind) commandFunc {
	return func(r *http.Request) (any, error) {
		var req listEntryRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		t, key, err := s.resolveEntry(req)
		if err != nil {
			return nil, err
		}
		ttl, err := policy.TTL(req.ExpireSecs)
		if err != nil {
			return nil, err
		}
		if err := s.engine.List(kind).Add(r.Context(), t, key, ttl, req.Reason); err != nil {
			if errors.Is(err, policy.ErrInvalidKey) || errors.Is(err, policy.ErrInvalidExpiry) {
				return nil, err
			}
			return nil, apierrors.Internal("failed to store entry", err)
		}
		return statusOK, nil
	}
}

func (s *Server) handleDelEntry(kind policy.Kind) commandFunc {
	return func(r *http.Request) (any, error) {
		var req listEntryRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		t, key, err := s.resolveEntry(req)
		if err != nil {
			return nil, err
		}
		if err := s.engine.List(kind).Delete(r.Context(), t, key); err != nil {
			if errors.Is(err, policy.ErrNotFound) || errors.Is(err, policy.ErrInvalidKey) {
				return nil, err
			}
			return nil, apierrors.Internal("failed to delete entry", err)
		}
		return statusOK, nil
	}
}

// entryKeyNames are the per-type key names used in list dumps.
var entryKeyNames = map[policy.Type]string{
	policy.TypeIP:      "ip",
	policy.TypeLogin:   "login",
	policy.TypeIPLogin: "iplogin",
	policy.TypeJA3:     "ja3",
	policy.TypeIPJA3:   "ipja3",
}

func (s *Server) handleGetList(kind policy.Kind) commandFunc {
	field := "bl_entries"
	if kind == policy.Whitelist {
		field = "wl_entries"
	}
	return func(r *http.Request) (any, error) {
		now := time.Now()
		entries := s.engine.List(kind).Entries()
		out := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			out = append(out, map[string]any{
				entryKeyNames[e.Type]: e.DisplayKey(),
				"expiration":          e.Expires.UTC().Format(time.DateTime),
				"expire_secs":         e.ExpireSecs(now),
				"reason":              e.Reason,
			})
		}
		return map[string]any{field: out}, nil
	}
}

func (s *Server) handleGetDBStats(r *http.Request) (any, error) {
	var req resetRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	st, err := s.engine.GetDBStats(req.Login, req.IP)
	if err != nil {
		if errors.Is(err, engine.ErrNoResetKey) {
			return nil, apierrors.BadRequest("No ip or login field supplied")
		}
		return nil, err
	}

	out := map[string]any{
		st.KeyName:    st.KeyValue,
		"whitelisted": st.Whitelisted,
		"blacklisted": st.Blacklisted,
		"stats":       st.Stats,
		"windows":     st.Windows,
	}
	if st.Whitelisted {
		out["wl_reason"], out["wl_expire"] = st.WLReason, st.WLExpire
	}
	if st.Blacklisted {
		out["bl_reason"], out["bl_expire"] = st.BLReason, st.BLExpire
	}
	for name, v := range st.Named {
		if name == engine.LoginsCounter {
			name = "countLogins"
		}
		out[name] = v
	}
	return out, nil
}

func (s *Server) handleNamed(fn func(login string) int64) commandFunc {
	return func(r *http.Request) (any, error) {
		var req loginRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.Login) == "" {
			return nil, apierrors.BadRequest("missing login field")
		}
		n := fn(req.Login)
		return namedResponse{Success: true, Attrs: map[string]string{"countLogins": strconv.FormatInt(n, 10)}}, nil
	}
}

func (s *Server) requireSiblings() error {
	if s.siblings == nil {
		return apierrors.BadRequest("replication is not enabled")
	}
	return nil
}

func (req siblingRequest) sibling() (replication.Sibling, error) {
	if req.Host == "" {
		return replication.Sibling{}, apierrors.BadRequest("missing sibling_host field")
	}
	if req.Port < 0 || req.Port > 65535 {
		return replication.Sibling{}, apierrors.BadRequest(fmt.Sprintf("invalid sibling_port %d", req.Port))
	}
	proto, err := replication.ParseProto(req.Protocol)
	if err != nil {
		return replication.Sibling{}, &apierrors.StatusError{Code: http.StatusBadRequest, Reason: "invalid sibling_protocol", Err: err}
	}
	key, err := config.DecodeKey(req.EncryptionKey)
	if err != nil {
		return replication.Sibling{}, &apierrors.StatusError{Code: http.StatusBadRequest, Reason: "invalid encryption_key", Err: err}
	}
	return replication.Sibling{Host: req.Host, Port: req.Port, Proto: proto, Key: key}, nil
}

// siblingError keeps unknown siblings as 404 and reports everything else
// the replicator rejects as bad input.
func siblingError(err error) error {
	if errors.Is(err, replication.ErrUnknownSibling) {
		return err
	}
	return &apierrors.StatusError{Code: http.StatusBadRequest, Reason: "invalid sibling", Err: err}
}

func (s *Server) handleAddSibling(r *http.Request) (any, error) {
	if err := s.requireSiblings(); err != nil {
		return nil, err
	}
	var req siblingRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	sib, err := req.sibling()
	if err != nil {
		return nil, err
	}
	if err := s.siblings.AddSibling(sib.Host, sib.Port, sib.Proto, sib.Key); err != nil {
		return nil, siblingError(err)
	}
	return statusOK, nil
}

func (s *Server) handleRemoveSibling(r *http.Request) (any, error) {
	if err := s.requireSiblings(); err != nil {
		return nil, err
	}
	var req siblingRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Host == "" {
		return nil, apierrors.BadRequest("missing sibling_host field")
	}
	port := req.Port
	if port == 0 {
		port = replication.DefaultPort
	}
	if err := s.siblings.RemoveSibling(req.Host, port); err != nil {
		return nil, siblingError(err)
	}
	return statusOK, nil
}

// handleSetSiblings replaces the sibling set. Each element is either a
// "host[:port[:proto]]" string or an addSibling-style object.
func (s *Server) handleSetSiblings(r *http.Request) (any, error) {
	if err := s.requireSiblings(); err != nil {
		return nil, err
	}
	var req setSiblingsRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Siblings == nil {
		return nil, apierrors.BadRequest("missing siblings field")
	}

	sibs := make([]replication.Sibling, 0, len(req.Siblings))
	for i, raw := range req.Siblings {
		var str string
		if err := json.Unmarshal(raw, &str); err == nil {
			sib, err := replication.ParseSibling(str)
			if err != nil {
				return nil, &apierrors.StatusError{Code: http.StatusBadRequest, Reason: fmt.Sprintf("invalid sibling #%d", i+1), Err: err}
			}
			sibs = append(sibs, sib)
			continue
		}
		var obj siblingRequest
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, &apierrors.StatusError{Code: http.StatusBadRequest, Reason: fmt.Sprintf("invalid sibling #%d", i+1), Err: err}
		}
		sib, err := obj.sibling()
		if err != nil {
			return nil, err
		}
		sibs = append(sibs, sib)
	}

	if err := s.siblings.SetSiblings(sibs); err != nil {
		return nil, siblingError(err)
	}
	return statusOK, nil
}

func (s *Server) handlePing(r *http.Request) (any, error) {
	if s.health != nil && s.health.GetOverallStatus() != health.StatusHealthy {
		return okResponse{Status: "degraded"}, nil
	}
	return statusOK, nil
}

func (s *Server) handleStats(r *http.Request) (any, error) {
	out := statsResponse{
		UptimeSecs: int64(time.Since(s.started) / time.Second),
		Commands:   make(map[string]int64, len(s.commands)),
		Siblings:   map[string]string{},
	}
	for name, cmd := range s.commands {
		out.Commands[name] = cmd.count.Load()
	}
	if s.siblings != nil {
		out.Siblings = s.siblings.SiblingStates()
	}
	return out, nil
}
