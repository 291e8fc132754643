package endpoints

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arcsync/arcsync/internal/merge"
	"github.com/arcsync/arcsync/internal/server/archive"
	"github.com/arcsync/arcsync/internal/server/handlers/api"
)

type EndpointsHandler struct {
	archive *archive.Manager
}

func New(m *archive.Manager) *EndpointsHandler {
	return &EndpointsHandler{archive: m}
}

func (h *EndpointsHandler) List(ctx *gin.Context) {
	list, err := h.archive.List(ctx.Request.Context())
	if err != nil {
		api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}
	ctx.PureJSON(http.StatusOK, gin.H{
		"endpoints": list,
	})
}

func (h *EndpointsHandler) Create(ctx *gin.Context) {
	var req CreateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	info, err := h.archive.Create(ctx.Request.Context(), req.Name, req.Policy)
	if err != nil {
		abortWithArchiveError(ctx, err)
		return
	}
	ctx.PureJSON(http.StatusCreated, info)
}

func (h *EndpointsHandler) Info(ctx *gin.Context) {
	var p NameParam
	if err := ctx.ShouldBindUri(&p); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	info, err := h.archive.Info(ctx.Request.Context(), p.Name)
	if err != nil {
		abortWithArchiveError(ctx, err)
		return
	}
	ctx.PureJSON(http.StatusOK, info)
}

// Verify compares the endpoint tree with its snapshot. A mismatch halts the
// endpoint and is reported with 409.
func (h *EndpointsHandler) Verify(ctx *gin.Context) {
	var p NameParam
	if err := ctx.ShouldBindUri(&p); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	report, err := h.archive.Verify(ctx.Request.Context(), p.Name)
	if err != nil {
		abortWithArchiveError(ctx, err)
		return
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusConflict
	}
	ctx.PureJSON(status, report)
}

func (h *EndpointsHandler) Release(ctx *gin.Context) {
	var p NameParam
	if err := ctx.ShouldBindUri(&p); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	if err := h.archive.Release(ctx.Request.Context(), p.Name); err != nil {
		abortWithArchiveError(ctx, err)
		return
	}
	info, err := h.archive.Info(ctx.Request.Context(), p.Name)
	if err != nil {
		abortWithArchiveError(ctx, err)
		return
	}
	ctx.PureJSON(http.StatusOK, info)
}

func abortWithArchiveError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, archive.ErrEndpointNotFound):
		api.AbortWithError(ctx, http.StatusNotFound, api.CodeEndpointNotFound, err)
	case errors.Is(err, archive.ErrEndpointExists):
		api.AbortWithError(ctx, http.StatusConflict, api.CodeEndpointExists, err)
	case errors.Is(err, archive.ErrInvalidName):
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
	case errors.Is(err, merge.ErrUnknownPolicy):
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidPolicy, err)
	case errors.Is(err, archive.ErrEndpointHalted):
		api.AbortWithError(ctx, http.StatusConflict, api.CodeEndpointHalted, err)
	default:
		api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeInternalError, err)
	}
}
