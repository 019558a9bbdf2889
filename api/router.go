package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"trongateway-core/auth"
	"trongateway-core/cache"
	"trongateway-core/config"
	"trongateway-core/eventbus"
	"trongateway-core/store"
)

// Server holds every collaborator the HTTP surface needs: the Store for
// reads and admin actions, the Bus for health reporting, the Cache for the
// multi-address query, and the Authenticator for the bearer-token
// boundary.
type Server struct {
	cfg   config.Config
	store store.Store
	bus   *eventbus.Bus
	cache *cache.Cache
	auth  auth.Authenticator

	streamSessions func() int

	router *mux.Router
	log    *logrus.Entry
}

// New builds a Server and its route table. streamSessions, if non-nil, is
// consulted by /healthz to report live WebSocket session count.
func New(cfg config.Config, st store.Store, bus *eventbus.Bus, c *cache.Cache, authenticator auth.Authenticator, streamSessions func() int) *Server {
	s := &Server{
		cfg:            cfg,
		store:          st,
		bus:            bus,
		cache:          c,
		auth:           authenticator,
		streamSessions: streamSessions,
		log:            logrus.WithField("component", "api"),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(s.log))

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	limiter := auth.NewRateLimiter(50, 100)
	authed := r.PathPrefix("/v1").Subrouter()
	authed.Use(authMiddleware(s.auth, limiter))
	authed.HandleFunc("/transactions", s.multiAddressQuery).Methods(http.MethodGet)
	authed.HandleFunc("/admin/deliveries/{id}/replay", s.replayDeadLetter).Methods(http.MethodPost)

	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
