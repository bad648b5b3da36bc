package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mtzanidakis/clipforge/internal/natsbus"
	"github.com/mtzanidakis/clipforge/internal/vault"
)

// Secret values are write-only over the API.

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Secrets == nil {
		jsonError(w, "vault is not configured", http.StatusServiceUnavailable)
		return
	}
	secrets, err := s.deps.Secrets.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(secrets))
	for _, sec := range secrets {
		out = append(out, map[string]any{
			"name":        sec.Name,
			"description": sec.Description,
			"ref":         "secret:" + sec.Name,
			"created_at":  sec.CreatedAt,
			"updated_at":  sec.UpdatedAt,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) putSecret(w http.ResponseWriter, r *http.Request) {
	if s.deps.Secrets == nil {
		jsonError(w, "vault is not configured", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Description string `json:"description"`
		Value       string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	name := r.PathValue("name")
	if body.Value == "" {
		jsonError(w, "value is required", http.StatusBadRequest)
		return
	}
	if err := s.deps.Secrets.Put(name, body.Description, []byte(body.Value)); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishSecretEvent("secret_updated", name)
	jsonResponse(w, map[string]string{"name": name, "ref": "secret:" + name})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if s.deps.Secrets == nil {
		jsonError(w, "vault is not configured", http.StatusServiceUnavailable)
		return
	}
	name := r.PathValue("name")
	if err := s.deps.Secrets.Delete(name); err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishSecretEvent("secret_deleted", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publishSecretEvent(typ, name string) {
	if s.deps.Bus == nil {
		return
	}
	_ = s.deps.Bus.PublishJSON(natsbus.TopicEventsSecrets, map[string]any{
		"type":      typ,
		"name":      name,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
