package app

import (
	"io"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jun/polygraf/internal/metrics"
)

// maxBodyBytes matches the API Gateway payload limit.
const maxBodyBytes = 10 << 20

// NewHTTPHandler serves the App over plain HTTP for local runs and
// container deployments. Every route is registered with chi so metrics
// carry the route pattern, then handed to HandleRequest.
func NewHTTPHandler(app *App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	proxy := http.HandlerFunc(app.serveHTTP)
	preflight := make(map[string]bool)
	for _, prefix := range []string{"", "/api"} {
		for _, route := range Routes {
			pattern := prefix + route.Pattern
			r.Method(route.Method, pattern, proxy)
			if !preflight[pattern] {
				r.Options(pattern, proxy)
				preflight[pattern] = true
			}
		}
	}
	return r
}

// serveHTTP converts r to an API Gateway proxy request and writes back the
// response.
func (app *App) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = v[0]
	}
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		query[k] = v[0]
	}

	resp, err := app.HandleRequest(r.Context(), events.APIGatewayProxyRequest{
		Path:                  r.URL.Path,
		HTTPMethod:            r.Method,
		Headers:               headers,
		QueryStringParameters: query,
		Body:                  string(body),
		RequestContext: events.APIGatewayProxyRequestContext{
			RequestID: middleware.GetReqID(r.Context()),
		},
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	for k, vs := range resp.MultiValueHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.WriteString(w, resp.Body)
}
