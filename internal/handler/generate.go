package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sakif/qaplanet/internal/apperror"
	"github.com/sakif/qaplanet/internal/auth"
	"github.com/sakif/qaplanet/internal/metrics"
	"github.com/sakif/qaplanet/internal/service"
	"go.uber.org/zap"
)

// GenerateHandler relays a generated answer to the client as chunked
// text/plain, flushing every fragment as it arrives.
type GenerateHandler struct {
	gen     *service.GenerateService
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewGenerateHandler builds the handler. m may be nil.
func NewGenerateHandler(gen *service.GenerateService, m *metrics.Collector, logger *zap.Logger) *GenerateHandler {
	return &GenerateHandler{gen: gen, metrics: m, logger: logger}
}

type generateRequest struct {
	Question string `json:"question"`
	Prompt   string `json:"prompt"`
}

// HandleGenerate serves POST /api/qa/generate.
//
// The first fragment is read before any header is written, so a provider
// that fails up front, or ends without any text, still gets a proper JSON
// error (502). Once the body
// has started, a failure can only end the stream; it is logged.
func (h *GenerateHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	prompt := req.Question
	if prompt == "" {
		prompt = req.Prompt
	}

	ctx := r.Context()
	userID, _ := auth.UserIDFromContext(ctx)

	stream, err := h.gen.Generate(ctx, userID, prompt)
	if err != nil {
		h.finish(ctx, "upstream_error", err)
		writeError(w, err)
		return
	}
	defer stream.Close()

	first, err := stream.Next(ctx)
	if errors.Is(err, io.EOF) {
		err = apperror.Upstream("generation provider sent no answer", nil)
	}
	if err != nil {
		if ctx.Err() != nil {
			h.finish(ctx, "cancelled", err)
			return
		}
		h.finish(ctx, "upstream_error", err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	// nginx buffers proxied responses unless told otherwise
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	frag := first
	for {
		if _, werr := io.WriteString(w, frag); werr != nil {
			h.finish(ctx, "cancelled", werr)
			return
		}
		if h.metrics != nil {
			h.metrics.Fragments.Inc()
		}
		if ferr := rc.Flush(); ferr != nil {
			h.logger.Debug("response does not support flushing", zap.Error(ferr))
		}

		frag, err = stream.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			h.finish(ctx, "completed", nil)
			return
		case err != nil && ctx.Err() != nil:
			h.finish(ctx, "cancelled", err)
			return
		case err != nil:
			h.finish(ctx, "interrupted", err)
			return
		}
	}
}

func (h *GenerateHandler) finish(ctx context.Context, outcome string, err error) {
	if h.metrics != nil {
		h.metrics.Generations.WithLabelValues(outcome).Inc()
	}
	fields := []zap.Field{zap.String("outcome", outcome)}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		fields = append(fields, zap.String("userID", userID))
	}
	switch outcome {
	case "completed", "cancelled":
		h.logger.Debug("generation finished", append(fields, zap.Error(err))...)
	default:
		h.logger.Warn("generation failed", append(fields, zap.Error(err))...)
	}
}
