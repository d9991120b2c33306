package gateway

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 1 << 20

// proxyHandler mediates each request and forwards approved ones upstream.
type proxyHandler struct {
	mediator *mediator.Mediator
	proxy    *httputil.ReverseProxy
	maxBody  int64
	logger   *zap.Logger
}

func newProxyHandler(deps *Dependencies) *proxyHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	upstream := deps.Upstream

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport: deps.Transport,
		// Streamed (SSE) responses are flushed immediately.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed",
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			writeJSON(w, http.StatusBadGateway, ErrorResp{Detail: "Upstream unavailable"})
		},
	}

	return &proxyHandler{
		mediator: deps.Mediator,
		proxy:    rp,
		maxBody:  maxBody,
		logger:   logger,
	}
}

// ErrorResp is the body for gateway-level failures that never reach mediation.
type ErrorResp struct {
	Detail string `json:"detail"`
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	_ = r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, mediator.DenialResponse{
				Error:  "Request body too large",
				Code:   mediator.CodeInvalidRequestBody,
				Reason: "limit is " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
			})
			return
		}
		h.logger.Warn("request body read failed", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, mediator.DenialResponse{
			Error: "Invalid request body",
			Code:  mediator.CodeInvalidRequestBody,
		})
		return
	}

	out := h.mediator.Mediate(r.Context(), mediator.Exchange{
		Request:  mediator.InboundRequest{Header: r.Header, Body: body},
		Consumer: mediator.ConsumerFromContext(r.Context()),
	})

	if !out.Forward() {
		writeDenial(w, out)
		return
	}

	fwd := r.Clone(r.Context())
	fwd.Body = io.NopCloser(bytes.NewReader(body))
	fwd.ContentLength = int64(len(body))
	if len(body) == 0 {
		fwd.Body = http.NoBody
	}
	for name, values := range out.Header {
		fwd.Header.Del(name)
		for _, v := range values {
			fwd.Header.Add(name, v)
		}
	}
	h.proxy.ServeHTTP(w, fwd)
}

func writeDenial(w http.ResponseWriter, out mediator.Outcome) {
	if out.Err == nil {
		// Not forwardable and no terminal error: deny rather than guess.
		writeJSON(w, http.StatusForbidden, mediator.DenialResponse{
			Error: "Authorization denied",
			Code:  mediator.CodeAuthorizationDenied,
		})
		return
	}
	writeJSON(w, out.Err.Status, out.Denial())
}
