package transport

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/duskrelay/multisigd/internal/auth"
	"github.com/duskrelay/multisigd/internal/cryptoutil"
)

const (
	maxHeaderBytes  = 32 * 1024
	maxBodyBytes    = 512 * 1024
	requestDeadline = 5 * time.Second
)

// rejectBody is the fixed 404 body returned for every auth/policy/size
// rejection, keeping the signal given to probers uniform.
const rejectBody = "not found"

// Dispatcher is implemented by the components that own each endpoint's
// business logic (session, acceptor, transfer/tracker state machines). The
// server itself only verifies signatures, replay and canonical form, then
// hands the authenticated caller onion to the dispatcher.
type Dispatcher interface {
	Ping(callerOnion, ref string) (PingResponse, bool)
	Blob(callerOnion, ref, stage, i string) (BlobResponse, bool)
	NewMultisig(callerOnion string, req NewMultisigRequest) (OkResponse, bool)
	TransferPing(callerOnion, ref string) (TransferPingResponse, bool)
	RequestInfo(callerOnion, ref string) (RequestInfoResponse, bool)
	SubmitTransfer(callerOnion, ref string, req SubmitTransferRequest) (SubmitTransferResponse, bool)
	TransferStatus(callerOnion, ref, transferRef string) (TransferStatusResponse, bool)
}

// Server is the inbound HTTP server for a single onion identity.
type Server struct {
	boundOnion string
	dispatcher Dispatcher
	replay     *auth.ReplayCache
	now        func() time.Time
}

// NewServer builds a server bound to one onion identity.
func NewServer(boundOnion string, dispatcher Dispatcher) *Server {
	return &Server{
		boundOnion: boundOnion,
		dispatcher: dispatcher,
		replay:     auth.NewReplayCache(),
		now:        time.Now,
	}
}

// Serve runs the HTTP server on l until it is closed. l is expected to be
// the local listener behind the bound onion's Tor hidden service.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:        s.mux(),
		MaxHeaderBytes: maxHeaderBytes,
		ReadTimeout:    requestDeadline,
	}
	log.Printf("[transport] serving %s", s.boundOnion)
	return srv.Serve(l)
}

func (s *Server) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ping", s.withDeadline(s.handlePing))
	mux.HandleFunc("/api/multisig/blob", s.withDeadline(s.handleBlob))
	mux.HandleFunc("/api/multisig/new", s.withDeadline(s.handleNew))
	mux.HandleFunc("/api/multisig/transfer/ping", s.withDeadline(s.handleTransferPing))
	mux.HandleFunc("/api/multisig/transfer/request_info", s.withDeadline(s.handleRequestInfo))
	mux.HandleFunc("/api/multisig/transfer/submit", s.withDeadline(s.handleSubmit))
	mux.HandleFunc("/api/multisig/transfer/status", s.withDeadline(s.handleStatus))
	return mux
}

func (s *Server) withDeadline(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
		defer cancel()
		w.Header().Set("Connection", "close")
		w.Header().Set("Cache-Control", "no-store")
		h(w, r.WithContext(ctx))
	}
}

func reject(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(rejectBody))
}

// allowedQueryKeys lists the only query parameters tolerated on a signed
// endpoint.
var allowedQueryKeys = map[string]struct{}{
	"ref": {}, "stage": {}, "i": {}, "transfer_ref": {},
}

func canonicalParams(q url.Values) (ref, stage, i, transferRef string, ok bool) {
	for k := range q {
		if _, allowed := allowedQueryKeys[k]; !allowed {
			return "", "", "", "", false
		}
	}
	return q.Get("ref"), q.Get("stage"), q.Get("i"), q.Get("transfer_ref"), true
}

// readBody enforces the body size cap and returns the raw bytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return io.ReadAll(r.Body)
}

// verifyGET validates a signed GET and returns the caller's onion.
func (s *Server) verifyGET(r *http.Request, ref, stage, i, transferRef string) (string, bool) {
	canonical := auth.CanonicalPath(r.URL.Path, ref, stage, i, transferRef)
	pub, err := auth.Verify(auth.InboundRequest{
		Ref:           ref,
		CanonicalPath: canonical,
		PubB64:        r.Header.Get("x-pub"),
		SigB64:        r.Header.Get("x-sig"),
		TSHeader:      r.Header.Get("x-ts"),
		Now:           s.now().Unix(),
	})
	if err != nil {
		return "", false
	}
	onion, err := auth.CallerOnion(pub)
	if err != nil {
		return "", false
	}
	return onion, true
}

// verifyPOST validates a signed POST, checks the replay cache, and returns
// the caller's onion plus whether this is a fresh (non-duplicate) request.
func (s *Server) verifyPOST(r *http.Request, ref string, body []byte) (onion string, fresh bool, ok bool) {
	canonical := auth.CanonicalPath(r.URL.Path, ref, "", "", "")
	bodyHash := cryptoutil.Sha256Hex(body)
	pub, err := auth.Verify(auth.InboundRequest{
		Ref:           ref,
		CanonicalPath: canonical,
		PubB64:        r.Header.Get("x-pub"),
		SigB64:        r.Header.Get("x-sig"),
		TSHeader:      r.Header.Get("x-ts"),
		BodySha256Hex: bodyHash,
		Now:           s.now().Unix(),
	})
	if err != nil {
		return "", false, false
	}
	onion, err = auth.CallerOnion(pub)
	if err != nil {
		return "", false, false
	}
	key := r.Header.Get("x-pub") + "|" + canonical + "|" + bodyHash
	seen := s.replay.SeenOrRecord(key, s.now())
	return onion, !seen, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	ref, stage, i, transferRef, ok := canonicalParams(r.URL.Query())
	if !ok {
		reject(w)
		return
	}
	onion, ok := s.verifyGET(r, ref, stage, i, transferRef)
	if !ok {
		reject(w)
		return
	}
	resp, ok := s.dispatcher.Ping(onion, ref)
	if !ok {
		reject(w)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	ref, stage, i, transferRef, ok := canonicalParams(r.URL.Query())
	if !ok {
		reject(w)
		return
	}
	onion, ok := s.verifyGET(r, ref, stage, i, transferRef)
	if !ok {
		reject(w)
		return
	}
	resp, ok := s.dispatcher.Blob(onion, ref, stage, i)
	if !ok {
		reject(w)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		reject(w)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		reject(w)
		return
	}
	ref, _, _, _, ok := canonicalParams(r.URL.Query())
	if !ok {
		reject(w)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		reject(w)
		return
	}
	onion, fresh, ok := s.verifyPOST(r, ref, body)
	if !ok {
		reject(w)
		return
	}
	if !fresh {
		writeJSON(w, http.StatusOK, OkResponse{Ok: true, Idempotent: true})
		return
	}
	var req NewMultisigRequest
	if json.Unmarshal(body, &req) != nil {
		reject(w)
		return
	}
	resp, ok := s.dispatcher.NewMultisig(onion, req)
	if !ok {
		reject(w)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleTransferPing(w http.ResponseWriter, r *http.Request) {
	ref, stage, i, transferRef, ok := canonicalParams(r.URL.Query())
	if !ok {
		reject(w)
		return
	}
	onion, ok := s.verifyGET(r, ref, stage, i, transferRef)
	if !ok {
		reject(w)
		return
	}
	resp, ok := s.dispatcher.TransferPing(onion, ref)
	if !ok {
		reject(w)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRequestInfo(w http.ResponseWriter, r *http.Request) {
	ref, stage, i, transferRef, ok := canonicalParams(r.URL.Query())
	if !ok {
		reject(w)
		return
	}
	onion, ok := s.verifyGET(r, ref, stage, i, transferRef)
	if !ok {
		reject(w)
		return
	}
	resp, ok := s.dispatcher.RequestInfo(onion, ref)
	if !ok {
		reject(w)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		reject(w)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		reject(w)
		return
	}
	ref, _, _, _, ok := canonicalParams(r.URL.Query())
	if !ok {
		reject(w)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		reject(w)
		return
	}
	onion, fresh, ok := s.verifyPOST(r, ref, body)
	if !ok {
		reject(w)
		return
	}
	if !fresh {
		writeJSON(w, http.StatusOK, SubmitTransferResponse{Success: true, Idempotent: true})
		return
	}
	var req SubmitTransferRequest
	if json.Unmarshal(body, &req) != nil {
		reject(w)
		return
	}
	resp, ok := s.dispatcher.SubmitTransfer(onion, ref, req)
	if !ok {
		reject(w)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ref, stage, i, transferRef, ok := canonicalParams(r.URL.Query())
	if !ok {
		reject(w)
		return
	}
	onion, ok := s.verifyGET(r, ref, stage, i, transferRef)
	if !ok {
		reject(w)
		return
	}
	resp, ok := s.dispatcher.TransferStatus(onion, ref, transferRef)
	if !ok {
		reject(w)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
