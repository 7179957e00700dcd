// Package httpserver is the gorilla/mux HTTP surface shared by the api and
// dispatcher binaries: request handlers, operator control endpoints and the
// logging/metrics middleware chain.
package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

// Handler wraps the router in the standard middleware chain.
func (s *Server) Handler(requests *prometheus.CounterVec) http.Handler {
	return Logging(Metrics(requests)(s.Mux))
}
