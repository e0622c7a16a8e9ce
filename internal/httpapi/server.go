// Package httpapi implements the HTTP ingestion endpoints: /health,
// /ingest/kafka/upserts, /ingest/kafka/deltas, and /ingest/email.
package httpapi

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/rosterd/internal/circuitbreaker"
	"github.com/wolfeidau/rosterd/internal/decode"
	"github.com/wolfeidau/rosterd/internal/delta"
	"github.com/wolfeidau/rosterd/internal/epoch"
	"github.com/wolfeidau/rosterd/internal/finalize"
	"github.com/wolfeidau/rosterd/internal/httpmw"
	"github.com/wolfeidau/rosterd/internal/logger"
	"github.com/wolfeidau/rosterd/internal/normalize"
	"github.com/wolfeidau/rosterd/internal/reconcile"
)

// Version is stamped at build time via -ldflags and reported on /health.
var Version = "dev"

// Server wires the reconciliation core's components to plain net/http
// handlers, one handler file per concern rather than a single catch-all
// router.
type Server struct {
	epochs      *epoch.Manager
	reconciler  *reconcile.Reconciler
	deltas      *delta.Processor
	emailDeltas *delta.Processor
	finalizer   *finalize.Finalizer
	decoders    *decode.Registry
	normalizer  *normalize.Normalizer
	breaker     *circuitbreaker.Breaker
	authToken   string
	log         zerolog.Logger
}

type Deps struct {
	Epochs      *epoch.Manager
	Reconciler  *reconcile.Reconciler
	KafkaDeltas *delta.Processor
	EmailDeltas *delta.Processor
	Finalizer   *finalize.Finalizer
	Decoders    *decode.Registry
	Normalizer  *normalize.Normalizer
	Breaker     *circuitbreaker.Breaker
	AuthToken   string
}

func NewServer(d Deps, log zerolog.Logger) *Server {
	return &Server{
		epochs:      d.Epochs,
		reconciler:  d.Reconciler,
		deltas:      d.KafkaDeltas,
		emailDeltas: d.EmailDeltas,
		finalizer:   d.Finalizer,
		decoders:    d.Decoders,
		normalizer:  d.Normalizer,
		breaker:     d.Breaker,
		authToken:   d.AuthToken,
		log:         log,
	}
}

// Handler builds the full mux, wrapping ingestion routes in the auth
// middleware but leaving /health open for load balancer probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	protected := httpmw.Auth(s.authToken)
	mux.Handle("/ingest/kafka/upserts", protected(http.HandlerFunc(s.handleKafkaUpserts)))
	mux.Handle("/ingest/kafka/deltas", protected(http.HandlerFunc(s.handleKafkaDeltas)))
	mux.Handle("/ingest/email", protected(http.HandlerFunc(s.handleEmailIngest)))

	var handler http.Handler = mux
	handler = logger.RequestLogger(s.log)(handler)
	handler = httpmw.ClientIPMiddleware()(handler)
	handler = httpmw.Recover(handler)
	return handler
}

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpmw.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    string(s.breaker.State()),
		Service:   "rosterd",
		Version:   Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
