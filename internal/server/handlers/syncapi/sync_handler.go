package syncapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/arcsync/arcsync/internal/merge"
	"github.com/arcsync/arcsync/internal/server/archive"
	"github.com/arcsync/arcsync/internal/server/auth"
	"github.com/arcsync/arcsync/internal/server/handlers/api"
	"github.com/arcsync/arcsync/internal/snapshot"
	"github.com/arcsync/arcsync/internal/syncproto"
)

const DefaultMaxMessage = 1 << 30

// SyncHandler answers sync requests over HTTP, websocket and raw streams.
type SyncHandler struct {
	archive    *archive.Manager
	maxMessage int
}

func New(m *archive.Manager, maxMessage int) *SyncHandler {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessage
	}
	return &SyncHandler{archive: m, maxMessage: maxMessage}
}

func (h *SyncHandler) MaxMessage() int {
	return h.maxMessage
}

// HandleMessage runs one sync request. It satisfies syncproto.Handler.
func (h *SyncHandler) HandleMessage(ctx context.Context, msg *syncproto.Message) *syncproto.Message {
	req, ok := msg.SyncRequest()
	if !ok {
		return syncproto.NewError(msg.ID, syncproto.CodeInvalidRequest, fmt.Sprintf("unexpected message %s", msg.Type))
	}

	if claims := auth.ClaimsFrom(ctx); claims != nil && !claims.CanSync(req.Endpoint) {
		slog.Warn("sync denied", "endpoint", req.Endpoint, "subject", claims.Subject)
		return syncproto.NewError(msg.ID, syncproto.CodeEndpointNotFound, fmt.Sprintf("endpoint %q not found", req.Endpoint))
	}

	resp, err := h.archive.Sync(ctx, req)
	if err != nil {
		code := ErrorCode(err)
		if code == syncproto.CodeInternal {
			slog.Error("sync failed", "endpoint", req.Endpoint, "source", req.SourceID, "error", err)
		} else {
			slog.Warn("sync rejected", "endpoint", req.Endpoint, "source", req.SourceID, "code", code, "error", err)
		}
		return syncproto.NewError(msg.ID, code, err.Error())
	}
	return syncproto.NewSyncResponse(msg.ID, resp)
}

// ErrorCode maps archive errors to wire error codes.
func ErrorCode(err error) syncproto.ErrorCode {
	switch {
	case errors.Is(err, archive.ErrEndpointNotFound), errors.Is(err, archive.ErrInvalidName):
		return syncproto.CodeEndpointNotFound
	case errors.Is(err, archive.ErrEndpointHalted):
		return syncproto.CodeEndpointHalted
	case errors.Is(err, archive.ErrVersionConflict):
		return syncproto.CodeVersionConflict
	case errors.Is(err, archive.ErrInvalidRequest),
		errors.Is(err, archive.ErrMissingBlob),
		errors.Is(err, archive.ErrBlobMismatch),
		errors.Is(err, merge.ErrUnresolvable),
		errors.Is(err, snapshot.ErrInvalidPath),
		errors.Is(err, snapshot.ErrInvalidEntry),
		errors.Is(err, snapshot.ErrInvalidDelta):
		return syncproto.CodeInvalidRequest
	default:
		return syncproto.CodeInternal
	}
}

// Sync handles POST /api/v1/sync. The body is one envelope; the reply uses
// the request's encoding.
func (h *SyncHandler) Sync(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, int64(h.maxMessage)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.AbortWithError(ctx, http.StatusRequestEntityTooLarge, api.CodeInvalidRequest, err)
			return
		}
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("read body: %w", err))
		return
	}

	msg, enc, err := syncproto.Unmarshal(body)
	if err != nil {
		ctx.Error(err)
		writeEnvelope(ctx, http.StatusBadRequest,
			syncproto.NewError("", syncproto.CodeProtocolMismatch, err.Error()), syncproto.EncodingMsgPack)
		return
	}

	writeEnvelope(ctx, http.StatusOK, h.HandleMessage(ctx.Request.Context(), msg), enc)
}

func writeEnvelope(ctx *gin.Context, status int, msg *syncproto.Message, enc syncproto.Encoding) {
	out, err := syncproto.Marshal(msg, enc)
	if err != nil {
		api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}
	ctx.Data(status, syncproto.ContentType, out)
}

// SyncWS handles GET /api/v1/sync/ws. Each binary message is one request;
// replies go back in order.
func (h *SyncHandler) SyncWS(ctx *gin.Context) {
	conn, err := websocket.Accept(ctx.Writer, ctx.Request, nil)
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("websocket accept failed: %w", err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(int64(h.maxMessage))

	rctx := ctx.Request.Context()
	remote := ctx.ClientIP()
	slog.Debug("sync websocket open", "remote", remote)
	for {
		typ, raw, err := conn.Read(rctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				slog.Debug("sync websocket read", "remote", remote, "error", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			conn.Close(websocket.StatusUnsupportedData, "binary messages only")
			return
		}

		msg, enc, err := syncproto.Unmarshal(raw)
		if err != nil {
			reply, _ := syncproto.Marshal(syncproto.NewError("", syncproto.CodeProtocolMismatch, err.Error()), syncproto.EncodingMsgPack)
			conn.Write(rctx, websocket.MessageBinary, reply)
			conn.Close(websocket.StatusPolicyViolation, "protocol mismatch")
			return
		}

		out, err := syncproto.Marshal(h.HandleMessage(rctx, msg), enc)
		if err != nil {
			slog.Error("sync websocket encode", "remote", remote, "error", err)
			conn.Close(websocket.StatusInternalError, "encode failed")
			return
		}
		if err := conn.Write(rctx, websocket.MessageBinary, out); err != nil {
			slog.Debug("sync websocket write", "remote", remote, "error", err)
			return
		}
	}
}
