package prescription

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/prontivus/prontivus/internal/platform/auth"
	"github.com/prontivus/prontivus/internal/platform/db"
	"github.com/prontivus/prontivus/internal/platform/signing"
	"github.com/prontivus/prontivus/pkg/pagination"
)

type Handler struct {
	svc      *Service
	verifier *Verifier
	logger   zerolog.Logger
}

// NewHandler returns the HTTP adapter for svc and the public verifier.
func NewHandler(svc *Service, verifier *Verifier, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, verifier: verifier, logger: logger}
}

// RegisterRoutes mounts the authenticated prescription endpoints on api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – physician, staff
	read := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleStaff))
	read.GET("/prescriptions", h.List)
	read.GET("/prescriptions/:id", h.Get)
	read.GET("/prescriptions/:id/pdf", h.Document)
	read.GET("/prescriptions/:id/signature", h.Signature)
	read.GET("/prescriptions/:id/signature.p7m", h.Envelope)

	// Write endpoints – physician
	write := api.Group("", auth.RequireRole(auth.RolePhysician))
	write.POST("/prescriptions", h.Create)
	write.POST("/prescriptions/:id/sign", h.Sign)
	write.POST("/prescriptions/:id/revoke", h.Revoke)
}

// RegisterPublicRoutes mounts the unauthenticated verification endpoint
// behind m.
func (h *Handler) RegisterPublicRoutes(e *echo.Echo, m ...echo.MiddlewareFunc) {
	e.GET("/verify/prescription/:id", h.Verify, m...)
}

func (h *Handler) Create(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := decodeBody(c, createSchema, &in); err != nil {
		return h.toHTTP(err)
	}
	p, err := h.svc.Create(c.Request().Context(), actor, in)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), actor.ClinicID, id)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)

	f := ListFilter{Status: Status(c.QueryParam("status")), Type: Type(c.QueryParam("type"))}
	for param, dst := range map[string]**uuid.UUID{"patient_id": &f.PatientID, "doctor_id": &f.DoctorID} {
		raw := c.QueryParam(param)
		if raw == "" {
			continue
		}
		v, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
		}
		*dst = &v
	}

	items, total, err := h.svc.List(c.Request().Context(), actor.ClinicID, f, pg.Limit, pg.Offset)
	if err != nil {
		return h.toHTTP(err)
	}
	if items == nil {
		items = []*Prescription{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Sign(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	var in SignInput
	if err := decodeBody(c, signSchema, &in); err != nil {
		return h.toHTTP(err)
	}
	res, err := h.svc.Sign(c.Request().Context(), actor, id, in)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Revoke(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	var in revokeRequest
	if err := decodeBody(c, revokeSchema, &in); err != nil {
		return h.toHTTP(err)
	}
	p, err := h.svc.Revoke(c.Request().Context(), actor, id, in.Reason)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Document(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.Document(c.Request().Context(), actor, id)
	if err != nil {
		return h.toHTTP(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, "inline; filename="+strconv.Quote(doc.FileName))
	c.Response().Header().Set("X-Document-SHA256", doc.Hash)
	c.Response().Header().Set(echo.HeaderCacheControl, "private, no-store")
	return c.Blob(http.StatusOK, "application/pdf", doc.Content)
}

func (h *Handler) Signature(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	sig, err := h.svc.Signature(c.Request().Context(), actor.ClinicID, id)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, sig)
}

func (h *Handler) Envelope(c echo.Context) error {
	actor, id, err := actorAndID(c)
	if err != nil {
		return err
	}
	sig, err := h.svc.Signature(c.Request().Context(), actor.ClinicID, id)
	if err != nil {
		return h.toHTTP(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="prescription-`+id.String()+`.p7m"`)
	return c.Blob(http.StatusOK, "application/pkcs7-mime", sig.Envelope)
}

// Verify is public. It always answers 200 with a Result, as an HTML page when
// the client asks for one.
func (h *Handler) Verify(c echo.Context) error {
	res := h.verifier.Verify(c.Request().Context(), c.Param("id"), c.QueryParam("code"))
	hdr := c.Response().Header()
	hdr.Set(echo.HeaderCacheControl, "no-store")
	hdr.Add(echo.HeaderVary, echo.HeaderAccept)
	if !wantsHTML(c.Request().Header.Get(echo.HeaderAccept)) {
		return c.JSON(http.StatusOK, res)
	}
	page, err := renderVerifyPage(res)
	if err != nil {
		h.logger.Error().Err(err).Msg("render verification page")
		return c.JSON(http.StatusOK, res)
	}
	hdr.Set("Content-Security-Policy", pageCSP)
	return c.HTMLBlob(http.StatusOK, page)
}

func actorFrom(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	clinic, ok := db.ClinicFromContext(ctx)
	if !ok {
		return Actor{}, echo.NewHTTPError(http.StatusBadRequest, "clinic context required")
	}
	user, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authenticated user required")
	}
	return Actor{UserID: user, ClinicID: clinic, Admin: auth.IsAdmin(ctx)}, nil
}

func actorAndID(c echo.Context) (Actor, uuid.UUID, error) {
	actor, err := actorFrom(c)
	if err != nil {
		return Actor{}, uuid.Nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return Actor{}, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return actor, id, nil
}

// decodeBody validates the raw body against schema before decoding it into v.
func decodeBody(c echo.Context, schema *gojsonschema.Schema, v any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return invalid("request body could not be read")
	}
	if err := validateBody(schema, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return invalid(err.Error())
	}
	return nil
}

type errorBody struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

// toHTTP is the single place domain errors become HTTP responses.
func (h *Handler) toHTTP(err error) error {
	var (
		verr *ValidationError
		rerr *RenderError
	)
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, errorBody{Error: "validation failed", Code: "invalid", Details: verr.Problems})
	case errors.As(err, &rerr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, errorBody{Error: rerr.Error(), Code: "render_error"})
	case errors.Is(err, signing.ErrCredentialExpired):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, errorBody{Error: "signing credential expired", Code: "credential_expired"})
	case errors.Is(err, signing.ErrCredentialInvalid), errors.Is(err, signing.ErrCredentialNotFound):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, errorBody{Error: "signing credential rejected", Code: "credential_invalid"})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, errorBody{Error: "prescription not found", Code: "not_found"})
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, errorBody{Error: ErrConflict.Error(), Code: "conflict"})
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, errorBody{Error: err.Error(), Code: "invalid_state"})
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, errorBody{Error: ErrForbidden.Error(), Code: "forbidden"})
	}
	h.logger.Error().Err(err).Msg("prescription request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
