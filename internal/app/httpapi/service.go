package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	core "github.com/r3e-labs/integration-gateway/internal/app/core/service"
	"github.com/r3e-labs/integration-gateway/internal/app/system"
)

// Server wraps an http.Handler in the system.Service lifecycle, grounded on
// the teacher's internal/app/httpapi.Service. Used for both the admin
// surface built by New and the separate INBOUND proxy surface
// (internal/inbound.Service.Router), each bound to its own address.
type Server struct {
	name    string
	domain  string
	addr    string
	handler http.Handler
	log     logrus.FieldLogger

	server *http.Server
}

// NewServer builds a Server. log may be nil.
func NewServer(name, domain, addr string, handler http.Handler, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{name: name, domain: domain, addr: addr, handler: handler, log: log}
}

var _ system.Service = (*Server)(nil)

// Name implements system.Service.
func (s *Server) Name() string { return s.name }

// Descriptor implements system.DescriptorProvider.
func (s *Server) Descriptor() core.Descriptor {
	return core.Descriptor{Name: s.name, Domain: s.domain, Layer: core.LayerIngress}
}

// Start implements system.Service.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).WithField("addr", s.addr).Error("httpapi: server error")
		}
	}()
	return nil
}

// Stop implements system.Service.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
