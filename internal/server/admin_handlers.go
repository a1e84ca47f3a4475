package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/audit"
	"github.com/dgellow/mcp-gateway/internal/catalog"
	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/dgellow/mcp-gateway/internal/errs"
	jsonwriter "github.com/dgellow/mcp-gateway/internal/json"
	"github.com/dgellow/mcp-gateway/internal/setup"
	"github.com/dgellow/mcp-gateway/internal/targets"
	"github.com/gorilla/mux"
)

func (s *Server) registerAdminRoutes(r *mux.Router) {
	r.HandleFunc("/system-state", s.handleSystemState).Methods(http.MethodGet)

	r.HandleFunc("/app-config", s.handleGetAppConfig).Methods(http.MethodGet)
	r.HandleFunc("/app-config", s.handleReplaceAppConfig).Methods(http.MethodPut)

	r.HandleFunc("/tool-groups", s.handleListToolGroups).Methods(http.MethodGet)
	r.HandleFunc("/tool-groups", s.handleAddToolGroup).Methods(http.MethodPost)
	r.HandleFunc("/tool-groups/{name}", s.handleUpdateToolGroup).Methods(http.MethodPut)
	r.HandleFunc("/tool-groups/{name}", s.handleDeleteToolGroup).Methods(http.MethodDelete)

	r.HandleFunc("/permissions", s.handleGetPermissions).Methods(http.MethodGet)
	r.HandleFunc("/permissions/default", s.handleSetDefaultPermission).Methods(http.MethodPut)
	r.HandleFunc("/permissions/consumers/{name}", s.handleAddConsumer).Methods(http.MethodPost)
	r.HandleFunc("/permissions/consumers/{name}", s.handleUpdateConsumer).Methods(http.MethodPut)
	r.HandleFunc("/permissions/consumers/{name}", s.handleDeleteConsumer).Methods(http.MethodDelete)

	r.HandleFunc("/tool-extensions", s.handleGetToolExtensions).Methods(http.MethodGet)
	r.HandleFunc("/tool-extensions/{service}/{tool}", s.handleAddToolExtension).Methods(http.MethodPost)
	r.HandleFunc("/tool-extensions/{service}/{tool}/{child}", s.handleUpdateToolExtension).Methods(http.MethodPut)
	r.HandleFunc("/tool-extensions/{service}/{tool}/{child}", s.handleDeleteToolExtension).Methods(http.MethodDelete)

	r.HandleFunc("/target-servers", s.handleListTargetServers).Methods(http.MethodGet)
	r.HandleFunc("/target-servers", s.handleAddTargetServer).Methods(http.MethodPost)
	r.HandleFunc("/target-servers/{name}", s.handleUpdateTargetServer).Methods(http.MethodPatch)
	r.HandleFunc("/target-servers/{name}", s.handleRemoveTargetServer).Methods(http.MethodDelete)
	r.HandleFunc("/target-servers/{name}/activate", s.handleSetActive(true)).Methods(http.MethodPost)
	r.HandleFunc("/target-servers/{name}/deactivate", s.handleSetActive(false)).Methods(http.MethodPost)

	r.HandleFunc("/catalog", s.handleGetCatalog).Methods(http.MethodGet)
	r.HandleFunc("/catalog", s.handleSetCatalog).Methods(http.MethodPut)

	r.HandleFunc("/setup", s.handleGetSetup).Methods(http.MethodGet)
	r.HandleFunc("/setup", s.handleApplySetup).Methods(http.MethodPost)
	r.HandleFunc("/setup/reset", s.handleResetSetup).Methods(http.MethodPost)

	if s.Dynamic != nil {
		r.HandleFunc("/dynamic-capabilities/{consumer}", s.handleDynamicStatus).Methods(http.MethodGet)
		r.HandleFunc("/dynamic-capabilities/{consumer}", s.handleEnableDynamic).Methods(http.MethodPost)
		r.HandleFunc("/dynamic-capabilities/{consumer}", s.handleDisableDynamic).Methods(http.MethodDelete)
	}
	if s.Audit != nil {
		r.HandleFunc("/audit", s.handleListAudit).Methods(http.MethodGet)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(v); err != nil {
		return errs.Validation("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleSystemState(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, s.State.Export(r.Context()))
}

func (s *Server) handleGetAppConfig(w http.ResponseWriter, r *http.Request) {
	snap := s.Store.Snapshot()
	if r.URL.Query().Get("format") == "yaml" {
		data, err := config.MarshalAppConfigYAML(snap.Config)
		if err != nil {
			jsonwriter.WriteErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(data)
		return
	}
	_ = jsonwriter.Write(w, map[string]any{
		"config":       snap.Config,
		"version":      snap.Version,
		"lastModified": snap.LastModified,
	})
}

// handleReplaceAppConfig accepts a whole config document in YAML or JSON,
// legacy format included
func (s *Server) handleReplaceAppConfig(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	}
	cfg, err := config.ParseAppConfig(data)
	if err != nil {
		jsonwriter.WriteErr(w, errs.Validation("%v", err))
		return
	}
	if err := s.Store.Replace(cfg); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	s.handleGetAppConfig(w, r)
}

func (s *Server) handleListToolGroups(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, s.Store.Get().ToolGroups)
}

func (s *Server) handleAddToolGroup(w http.ResponseWriter, r *http.Request) {
	var group config.ToolGroup
	if err := decodeBody(r, &group); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	group.Owner = ""
	if err := s.Store.AddToolGroup(group); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	_ = jsonwriter.WriteResponse(w, http.StatusCreated, group)
}

func (s *Server) handleUpdateToolGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var group config.ToolGroup
	if err := decodeBody(r, &group); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	group.Owner = ""
	if err := s.Store.UpdateToolGroup(name, group); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	if group.Name != "" {
		name = group.Name
	}
	updated, _ := s.Store.Get().ToolGroup(name)
	_ = jsonwriter.Write(w, updated)
}

func (s *Server) handleDeleteToolGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteToolGroup(mux.Vars(r)["name"]); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPermissions(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, s.Store.Get().Permissions)
}

func (s *Server) handleSetDefaultPermission(w http.ResponseWriter, r *http.Request) {
	var rule config.ConsumerConfig
	if err := decodeBody(r, &rule); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	if err := s.Store.SetDefaultPermission(rule); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	_ = jsonwriter.Write(w, rule)
}

func (s *Server) handleAddConsumer(w http.ResponseWriter, r *http.Request) {
	var rule config.ConsumerConfig
	if err := decodeBody(r, &rule); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	if err := s.Store.AddPermissionConsumer(mux.Vars(r)["name"], rule); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	_ = jsonwriter.WriteResponse(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateConsumer(w http.ResponseWriter, r *http.Request) {
	var rule config.ConsumerConfig
	if err := decodeBody(r, &rule); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	if err := s.Store.UpdatePermissionConsumer(mux.Vars(r)["name"], rule); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	_ = jsonwriter.Write(w, rule)
}

func (s *Server) handleDeleteConsumer(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeletePermissionConsumer(mux.Vars(r)["name"]); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetToolExtensions(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, s.Store.Get().ToolExtensions)
}

func (s *Server) handleAddToolExtension(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var child config.ChildTool
	if err := decodeBody(r, &child); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	if err := s.Store.AddToolExtension(vars["service"], vars["tool"], child); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	_ = jsonwriter.WriteResponse(w, http.StatusCreated, child)
}

func (s *Server) handleUpdateToolExtension(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var child config.ChildTool
	if err := decodeBody(r, &child); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	if err := s.Store.UpdateToolExtension(vars["service"], vars["tool"], vars["child"], child); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	_ = jsonwriter.Write(w, child)
}

func (s *Server) handleDeleteToolExtension(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.Store.DeleteToolExtension(vars["service"], vars["tool"], vars["child"]); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type targetServerView struct {
	config.TargetServer
	State    map[string]any `json:"state"`
	Inactive bool           `json:"inactive"`
}

func (s *Server) targetServerView(server config.TargetServer, state targets.State) targetServerView {
	return targetServerView{
		TargetServer: server,
		State:        targets.Describe(state),
		Inactive:     s.Store.Get().IsInactive(server.Name),
	}
}

func (s *Server) handleListTargetServers(w http.ResponseWriter, r *http.Request) {
	statuses := s.Targets.Statuses()
	out := make([]targetServerView, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, s.targetServerView(status.Server, status.State))
	}
	_ = jsonwriter.Write(w, out)
}

func (s *Server) writeTargetServer(w http.ResponseWriter, status int, name string) {
	server, ok := s.Targets.Server(name)
	if !ok {
		jsonwriter.WriteErr(w, errs.NotFound("target server %s", name))
		return
	}
	state, _ := s.Targets.State(name)
	_ = jsonwriter.WriteResponse(w, status, s.targetServerView(server, state))
}

// handleAddTargetServer answers 201 for servers pending input or
// authorization too; their state says what is missing
func (s *Server) handleAddTargetServer(w http.ResponseWriter, r *http.Request) {
	var server config.TargetServer
	if err := decodeBody(r, &server); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	if err := s.Targets.AddClient(r.Context(), server); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	s.writeTargetServer(w, http.StatusCreated, config.NormalizeName(server.Name))
}

func (s *Server) handleUpdateTargetServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var patch config.TargetServerPatch
	if err := decodeBody(r, &patch); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	if err := s.Targets.UpdateClient(r.Context(), name, patch); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	s.writeTargetServer(w, http.StatusOK, config.NormalizeName(name))
}

func (s *Server) handleRemoveTargetServer(w http.ResponseWriter, r *http.Request) {
	if err := s.Targets.RemoveClient(r.Context(), mux.Vars(r)["name"]); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := config.NormalizeName(mux.Vars(r)["name"])
		if _, ok := s.Targets.Server(name); !ok {
			jsonwriter.WriteErr(w, errs.NotFound("target server %s", name))
			return
		}
		if err := s.Store.SetTargetServerActive(name, active); err != nil {
			jsonwriter.WriteErr(w, err)
			return
		}
		internal.LogInfoWithFields("admin", "Target server activation changed", map[string]interface{}{
			"server": name,
			"active": active,
		})
		s.writeTargetServer(w, http.StatusOK, name)
	}
}

func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, catalog.Payload{Items: s.Catalog.Items(), IsStrict: s.Catalog.IsStrict()})
}

func (s *Server) handleSetCatalog(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	}
	payload, err := catalog.ParsePayload(data)
	if err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	_ = jsonwriter.Write(w, s.Catalog.SetCatalog(payload.Items, payload.IsStrict))
}

func (s *Server) handleGetSetup(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, s.Setup.CurrentSetup())
}

func (s *Server) handleApplySetup(w http.ResponseWriter, r *http.Request) {
	var bundle setup.Bundle
	if err := decodeBody(r, &bundle); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	if bundle.Source == "" {
		bundle.Source = setup.SourceUser
	}
	result, err := s.Setup.ApplySetup(r.Context(), bundle)
	if err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	_ = jsonwriter.Write(w, result)
}

func (s *Server) handleResetSetup(w http.ResponseWriter, r *http.Request) {
	result, err := s.Setup.ResetSetup(r.Context())
	if err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	_ = jsonwriter.Write(w, result)
}

func (s *Server) handleDynamicStatus(w http.ResponseWriter, r *http.Request) {
	consumer := mux.Vars(r)["consumer"]
	_ = jsonwriter.Write(w, map[string]any{
		"consumerTag": consumer,
		"enabled":     s.Dynamic.IsEnabled(consumer),
	})
}

func (s *Server) handleEnableDynamic(w http.ResponseWriter, r *http.Request) {
	if err := s.Dynamic.Enable(mux.Vars(r)["consumer"]); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	s.handleDynamicStatus(w, r)
}

func (s *Server) handleDisableDynamic(w http.ResponseWriter, r *http.Request) {
	if err := s.Dynamic.Disable(mux.Vars(r)["consumer"]); err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	s.handleDynamicStatus(w, r)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Type:        audit.EventType(q.Get("type")),
		ConsumerTag: q.Get("consumer"),
		Service:     q.Get("service"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			jsonwriter.WriteBadRequest(w, "limit must be a number")
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			jsonwriter.WriteBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}
	events, err := s.Audit.List(r.Context(), filter)
	if err != nil {
		jsonwriter.WriteErr(w, err)
		return
	}
	_ = jsonwriter.Write(w, events)
}
