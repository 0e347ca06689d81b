package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"opclink/config"
	"opclink/opcman"
	"opclink/opcworker"
)

// ServerResponse is the JSON summary for one OPC server.
type ServerResponse struct {
	Name     string `json:"name"`
	ProgID   string `json:"progid"`
	Enabled  bool   `json:"enabled"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	LastPoll string `json:"last_poll,omitempty"`
	TagCount int    `json:"tag_count"`
}

// ServerDetails extends ServerResponse with the current tag values.
type ServerDetails struct {
	ServerResponse
	Tags []TagResponse `json:"tags"`
}

// TagResponse is the JSON response for a tag value.
type TagResponse struct {
	Server    string `json:"server"`
	Name      string `json:"name"`
	ItemID    string `json:"item_id,omitempty"`
	Value     string `json:"value"`
	Quality   string `json:"quality"`
	Writable  bool   `json:"writable"`
	Timestamp string `json:"timestamp,omitempty"`
}

// HealthResponse is the JSON structure for server health status.
type HealthResponse struct {
	Server    string `json:"server"`
	ProgID    string `json:"progid"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the JSON body for a tag write.
type WriteRequest struct {
	Server string      `json:"server,omitempty"`
	Tag    string      `json:"tag"`
	Value  interface{} `json:"value"`
}

// WriteResponse is the JSON result of a tag write.
type WriteResponse struct {
	Server    string      `json:"server"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// BrowseStatus reports the state of a namespace browse.
type BrowseStatus struct {
	Server  string   `json:"server"`
	Running bool     `json:"running"`
	Done    bool     `json:"done"`
	Count   int      `json:"count"`
	Error   string   `json:"error,omitempty"`
	Tags    []string `json:"tags"`
}

// browseJob tracks one in-flight or completed browse per server. The
// browse itself runs on the session worker thread; only the bookkeeping
// lives here.
type browseJob struct {
	progress *opcworker.BrowseProgress

	mu      sync.Mutex
	running bool
	done    bool
	err     error
	tags    []string
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// getManagedServer resolves the {server} URL parameter. Writes a 404
// and returns nil when the server is not configured.
func (s *Server) getManagedServer(w http.ResponseWriter, r *http.Request) *opcman.ManagedServer {
	name := chi.URLParam(r, "server")
	name, _ = url.PathUnescape(name)

	srv := s.manager.GetServer(name)
	if srv == nil {
		s.writeError(w, http.StatusNotFound, "server not found")
		return nil
	}
	return srv
}

func tagWritable(cfg *config.ServerConfig, name string) bool {
	for _, t := range cfg.Tags {
		if t.PublishName() == name || t.ItemID == name {
			return t.Writable
		}
	}
	return false
}

func tagItemID(cfg *config.ServerConfig, name string) string {
	for _, t := range cfg.Tags {
		if t.PublishName() == name {
			return t.ItemID
		}
	}
	return name
}

func (s *Server) serverSummary(srv *opcman.ManagedServer) ServerResponse {
	resp := ServerResponse{
		Name:     srv.Config.Name,
		ProgID:   srv.Config.ProgID,
		Enabled:  srv.Config.Enabled,
		Status:   srv.GetStatus().String(),
		TagCount: len(srv.Config.Tags),
	}
	if err := srv.GetError(); err != nil {
		resp.Error = err.Error()
	}
	if t := srv.GetLastPoll(); !t.IsZero() {
		resp.LastPoll = t.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers := s.manager.ListServers()
	resp := make([]ServerResponse, 0, len(servers))
	for _, srv := range servers {
		resp = append(resp, s.serverSummary(srv))
	}
	sort.Slice(resp, func(i, j int) bool { return resp[i].Name < resp[j].Name })
	s.writeJSON(w, resp)
}

func (s *Server) handleServerDetails(w http.ResponseWriter, r *http.Request) {
	srv := s.getManagedServer(w, r)
	if srv == nil {
		return
	}

	details := ServerDetails{
		ServerResponse: s.serverSummary(srv),
		Tags:           s.tagResponses(srv),
	}
	s.writeJSON(w, details)
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	srv := s.getManagedServer(w, r)
	if srv == nil {
		return
	}

	status := srv.GetStatus()
	resp := HealthResponse{
		Server:    srv.Config.Name,
		ProgID:    srv.Config.ProgID,
		Online:    status == opcman.StatusConnected,
		Status:    status.String(),
		Timestamp: timestamp(),
	}
	if err := srv.GetError(); err != nil {
		resp.Error = err.Error()
	}
	s.writeJSON(w, resp)
}

func (s *Server) tagResponses(srv *opcman.ManagedServer) []TagResponse {
	values := srv.GetValues()
	tags := make([]TagResponse, 0, len(values))
	for name, v := range values {
		tags = append(tags, TagResponse{
			Server:    srv.Config.Name,
			Name:      name,
			ItemID:    tagItemID(srv.Config, name),
			Value:     v.Value,
			Quality:   v.Quality,
			Writable:  tagWritable(srv.Config, name),
			Timestamp: v.Timestamp,
		})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags
}

func (s *Server) handleAllTags(w http.ResponseWriter, r *http.Request) {
	srv := s.getManagedServer(w, r)
	if srv == nil {
		return
	}
	s.writeJSON(w, s.tagResponses(srv))
}

func (s *Server) handleSingleTag(w http.ResponseWriter, r *http.Request) {
	srv := s.getManagedServer(w, r)
	if srv == nil {
		return
	}

	tagName := chi.URLParam(r, "*")
	tagName, _ = url.PathUnescape(tagName)

	// Serve from the poll cache when the tag is configured; fall back
	// to a live read for anything else.
	if v, ok := srv.GetValues()[tagName]; ok {
		s.writeJSON(w, TagResponse{
			Server:    srv.Config.Name,
			Name:      tagName,
			ItemID:    tagItemID(srv.Config, tagName),
			Value:     v.Value,
			Quality:   v.Quality,
			Writable:  tagWritable(srv.Config, tagName),
			Timestamp: v.Timestamp,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	v, err := s.manager.ReadTag(ctx, srv.Config.Name, tagName)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "read failed: "+err.Error())
		return
	}

	s.writeJSON(w, TagResponse{
		Server:    srv.Config.Name,
		Name:      tagName,
		ItemID:    v.TagID,
		Value:     v.Value,
		Quality:   v.Quality,
		Writable:  tagWritable(srv.Config, tagName),
		Timestamp: v.Timestamp,
	})
}

// ReadRequest asks for an on-demand batched read, bypassing the poll
// cache. Names may be publish names or raw item IDs.
type ReadRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	srv := s.getManagedServer(w, r)
	if srv == nil {
		return
	}

	var req ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Tags) == 0 {
		s.writeError(w, http.StatusBadRequest, "tags list is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	values, err := s.manager.ReadTags(ctx, srv.Config.Name, req.Tags)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "read failed: "+err.Error())
		return
	}

	// Positional with the request; per-tag failures come back as
	// Error/Bad placeholders, not call failures.
	out := make([]TagResponse, len(values))
	for i, v := range values {
		name := v.TagID
		if i < len(req.Tags) {
			name = req.Tags[i]
		}
		out[i] = TagResponse{
			Server:    srv.Config.Name,
			Name:      name,
			ItemID:    v.TagID,
			Value:     v.Value,
			Quality:   v.Quality,
			Writable:  tagWritable(srv.Config, name),
			Timestamp: v.Timestamp,
		}
	}
	s.writeJSON(w, out)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	srv := s.getManagedServer(w, r)
	if srv == nil {
		return
	}

	if !isAdmin(r) {
		s.writeError(w, http.StatusForbidden, "admin role required for writes")
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.Server != "" && req.Server != srv.Config.Name {
		resp := WriteResponse{
			Server:    req.Server,
			Tag:       req.Tag,
			Value:     req.Value,
			Success:   false,
			Error:     fmt.Sprintf("server name mismatch: URL has '%s', request has '%s'", srv.Config.Name, req.Server),
			Timestamp: timestamp(),
		}
		w.WriteHeader(http.StatusBadRequest)
		s.writeJSON(w, resp)
		return
	}

	if req.Tag == "" {
		s.writeError(w, http.StatusBadRequest, "missing tag name")
		return
	}

	for _, t := range srv.Config.Tags {
		if (t.PublishName() == req.Tag || t.ItemID == req.Tag) && !t.Writable {
			resp := WriteResponse{
				Server:    srv.Config.Name,
				Tag:       req.Tag,
				Value:     req.Value,
				Success:   false,
				Error:     "tag is not writable",
				Timestamp: timestamp(),
			}
			w.WriteHeader(http.StatusForbidden)
			s.writeJSON(w, resp)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := s.manager.WriteTag(ctx, srv.Config.Name, req.Tag, req.Value)

	resp := WriteResponse{
		Server:    srv.Config.Name,
		Tag:       req.Tag,
		Value:     req.Value,
		Timestamp: timestamp(),
	}
	switch {
	case err != nil:
		resp.Error = err.Error()
		w.WriteHeader(http.StatusBadGateway)
	case !result.Success:
		// The server rejected the write; the call itself worked.
		resp.Error = result.Error
	default:
		resp.Success = true
	}

	s.writeJSON(w, resp)
}

func (s *Server) handleBrowseStart(w http.ResponseWriter, r *http.Request) {
	srv := s.getManagedServer(w, r)
	if srv == nil {
		return
	}
	name := srv.Config.Name

	s.browseMu.Lock()
	if job := s.browses[name]; job != nil {
		job.mu.Lock()
		running := job.running
		job.mu.Unlock()
		if running {
			s.browseMu.Unlock()
			s.writeError(w, http.StatusConflict, "browse already in progress")
			return
		}
	}

	job := &browseJob{
		progress: opcworker.NewBrowseProgress(),
		running:  true,
	}
	s.browses[name] = job
	s.browseMu.Unlock()

	go func() {
		tags, err := s.manager.BrowseServer(context.Background(), name, job.progress)
		job.mu.Lock()
		job.running = false
		job.done = true
		job.err = err
		job.tags = tags
		job.mu.Unlock()
	}()

	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, BrowseStatus{
		Server:  name,
		Running: true,
		Tags:    []string{},
	})
}

func (s *Server) handleBrowseStatus(w http.ResponseWriter, r *http.Request) {
	srv := s.getManagedServer(w, r)
	if srv == nil {
		return
	}
	name := srv.Config.Name

	s.browseMu.Lock()
	job := s.browses[name]
	s.browseMu.Unlock()

	if job == nil {
		s.writeError(w, http.StatusNotFound, "no browse started")
		return
	}

	job.mu.Lock()
	status := BrowseStatus{
		Server:  name,
		Running: job.running,
		Done:    job.done,
	}
	if job.err != nil {
		status.Error = job.err.Error()
	}
	if job.done {
		status.Tags = job.tags
	}
	job.mu.Unlock()

	if !status.Done {
		status.Tags = job.progress.Tags()
	}
	if status.Tags == nil {
		status.Tags = []string{}
	}
	status.Count = len(status.Tags)

	s.writeJSON(w, status)
}

func (s *Server) handleEnumerate(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		host = "localhost"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	servers, err := s.manager.EnumerateServers(ctx, host)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "enumeration failed: "+err.Error())
		return
	}
	if servers == nil {
		servers = []string{}
	}

	s.writeJSON(w, map[string]interface{}{
		"host":    host,
		"servers": servers,
	})
}
