package server

import (
	"context"
	"fmt"
	"html/template"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tributary-ai/support-gateway/internal/apidoc"
)

type docs struct {
	json []byte
	yaml []byte
}

func newDocs() (*docs, error) {
	doc, err := apidoc.Load(context.Background())
	if err != nil {
		return nil, err
	}
	data, err := doc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to render OpenAPI document: %w", err)
	}
	return &docs{json: data, yaml: apidoc.YAML()}, nil
}

// setupDocsRoutes serves the OpenAPI document and a Swagger UI page
func (s *Server) setupDocsRoutes(r *mux.Router) {
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPIJSON).Methods(http.MethodGet)
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPIYAML).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleSwaggerUI).Methods(http.MethodGet)
	r.HandleFunc("/docs/", s.handleSwaggerUI).Methods(http.MethodGet)
}

func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.docs.json)
}

func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(s.docs.yaml)
}

var swaggerPage = template.Must(template.New("swagger").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Support Gateway API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
    <style>.swagger-ui .topbar { display: none; }</style>
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: {{.SpecURL}},
                dom_id: '#swagger-ui',
                deepLinking: true,
                docExpansion: "list",
                validatorUrl: null
            });
        };
    </script>
</body>
</html>`))

// handleSwaggerUI serves the Swagger UI page. The UI assets load from a CDN,
// which the default Content-Security-Policy of the API does not allow.
func (s *Server) handleSwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "default-src 'self' https://unpkg.com; script-src 'self' 'unsafe-inline' https://unpkg.com; style-src 'self' 'unsafe-inline' https://unpkg.com")

	data := struct{ SpecURL string }{SpecURL: baseURL(r) + "/docs/openapi.json"}
	if err := swaggerPage.Execute(w, data); err != nil {
		s.logger.WithError(err).Warn("Failed to render Swagger UI")
	}
}

// baseURL honours reverse proxy forwarding headers
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}
	return scheme + "://" + host
}
