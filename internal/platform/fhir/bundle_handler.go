package fhir

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/ehr/fhirbundle/internal/platform/auth"
	"github.com/ehr/fhirbundle/internal/platform/db"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	fhirJSONContentType = "application/fhir+json"

	headerIdempotencyKey = "Idempotency-Key"
	headerPersistBundle  = "X-Persist-Bundle"
	headerReplayed       = "Idempotent-Replayed"
)

// BundleHandler exposes the bundle processor over HTTP.
type BundleHandler struct {
	processor   *Processor
	idempotency IdempotencyStore
	archiver    Archiver
	logger      zerolog.Logger
}

// BundleHandlerOption configures optional BundleHandler collaborators.
type BundleHandlerOption func(*BundleHandler)

// WithIdempotencyStore enables Idempotency-Key replay.
func WithIdempotencyStore(s IdempotencyStore) BundleHandlerOption {
	return func(h *BundleHandler) { h.idempotency = s }
}

// WithArchiver enables persisting transaction responses on request.
func WithArchiver(a Archiver) BundleHandlerOption {
	return func(h *BundleHandler) { h.archiver = a }
}

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(l zerolog.Logger) BundleHandlerOption {
	return func(h *BundleHandler) { h.logger = l }
}

// NewBundleHandler creates a new BundleHandler.
func NewBundleHandler(processor *Processor, opts ...BundleHandlerOption) *BundleHandler {
	h := &BundleHandler{processor: processor, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the bundle endpoint and the read routes that
// share its pipeline.
func (h *BundleHandler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("", h.ProcessBundle)
	fhirGroup.GET("/:type", h.Search)
	fhirGroup.GET("/:type/:id", h.Read)
	fhirGroup.GET("/:type/:id/_history", h.History)
	fhirGroup.GET("/:type/:id/_history/:vid", h.VRead)
}

// ProcessBundle handles POST /fhir with a Bundle of type "transaction" or "batch".
func (h *BundleHandler) ProcessBundle(c echo.Context) error {
	if isXML(c.Request().Header.Get(echo.HeaderContentType)) {
		return writeOutcome(c, http.StatusUnsupportedMediaType, ErrorOutcome(IssueTypeNotSupported,
			"XML is not supported; send the Bundle as application/fhir+json"))
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		if he, ok := err.(*echo.HTTPError); ok {
			return he
		}
		return writeOutcome(c, http.StatusBadRequest, ErrorOutcome(IssueTypeStructure,
			"Unable to read request body: "+err.Error()))
	}

	ctx := c.Request().Context()
	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
	storeKey := TenantIdempotencyKey(db.TenantFromContext(ctx), key)
	hash := RequestHash(body)
	if key != "" && h.idempotency != nil {
		stored, err := h.idempotency.Get(ctx, storeKey)
		if err != nil {
			h.logger.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency lookup failed")
		} else if stored != nil {
			if stored.RequestHash != hash {
				return writeOutcome(c, http.StatusUnprocessableEntity, ErrorOutcome(IssueTypeBusinessRule,
					fmt.Sprintf("Idempotency-Key '%s' was already used with a different request body", key)))
			}
			c.Response().Header().Set(headerReplayed, "true")
			return c.Blob(stored.StatusCode, fhirJSONContentType, stored.Body)
		}
	}

	bundle, err := DecodeBundle(body)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, ErrorOutcome(IssueTypeStructure,
			"Failed to parse request body as a Bundle: "+err.Error()))
	}

	res := h.processor.Process(ctx, bundle, h.processOptions(c))
	if res.Bundle == nil {
		return writeOutcome(c, res.Status, res.Outcome)
	}

	if bundle.Type == BundleTypeTransaction && h.archiver != nil && wantsPersist(c) {
		objectKey, err := h.archiver.Archive(ctx, db.TenantFromContext(ctx), res.Bundle)
		if err != nil {
			h.logger.Error().Err(err).Msg("archiving transaction response failed")
		} else {
			c.Response().Header().Set("X-Bundle-Archive", objectKey)
		}
	}

	out, err := EncodeBundle(res.Bundle)
	if err != nil {
		return writeOutcome(c, http.StatusInternalServerError, ErrorOutcome(IssueTypeException,
			"Failed to encode response bundle"))
	}

	if key != "" && h.idempotency != nil && res.Status == http.StatusOK {
		if err := h.idempotency.Set(ctx, &StoredResponse{
			Key:         storeKey,
			RequestHash: hash,
			StatusCode:  res.Status,
			Body:        out,
		}); err != nil {
			h.logger.Warn().Err(err).Str("idempotency_key", key).Msg("storing idempotent response failed")
		}
	}
	return c.Blob(res.Status, fhirJSONContentType, out)
}

// Read handles GET /fhir/:type/:id.
func (h *BundleHandler) Read(c echo.Context) error {
	return h.single(c, FormatReference(c.Param("type"), c.Param("id")))
}

// VRead handles GET /fhir/:type/:id/_history/:vid.
func (h *BundleHandler) VRead(c echo.Context) error {
	return h.single(c, fmt.Sprintf("%s/%s/_history/%s", c.Param("type"), c.Param("id"), c.Param("vid")))
}

// History handles GET /fhir/:type/:id/_history.
func (h *BundleHandler) History(c echo.Context) error {
	return h.single(c, fmt.Sprintf("%s/%s/_history", c.Param("type"), c.Param("id")))
}

// Search handles GET /fhir/:type.
func (h *BundleHandler) Search(c echo.Context) error {
	return h.single(c, c.Param("type"))
}

// single runs a GET as a one-entry batch so it shares the bundle pipeline,
// then unwraps the entry.
func (h *BundleHandler) single(c echo.Context, path string) error {
	query := c.QueryParams()
	query.Del("tenant_id")
	if enc := query.Encode(); enc != "" {
		path += "?" + enc
	}

	b := &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeBatch,
		Entry: []BundleEntry{{
			Request: &BundleRequest{Method: http.MethodGet, URL: path},
		}},
	}
	res := h.processor.Process(c.Request().Context(), b, h.processOptions(c))
	if res.Bundle == nil {
		return writeOutcome(c, res.Status, res.Outcome)
	}

	entry := res.Bundle.Entry[0]
	status := http.StatusOK
	if entry.Response != nil {
		if n, err := strconv.Atoi(entry.Response.Status); err == nil {
			status = n
		}
		if entry.Response.Etag != "" {
			c.Response().Header().Set("ETag", entry.Response.Etag)
		}
		if entry.Response.LastModified != nil {
			c.Response().Header().Set("Last-Modified", entry.Response.LastModified.UTC().Format(http.TimeFormat))
		}
	}

	body := entry.Resource
	if body == nil && entry.Response != nil {
		body = entry.Response.Outcome
	}
	if body == nil {
		return c.NoContent(status)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return writeOutcome(c, http.StatusInternalServerError, ErrorOutcome(IssueTypeException,
			"Failed to encode response"))
	}
	return c.Blob(status, fhirJSONContentType, data)
}

func (h *BundleHandler) processOptions(c echo.Context) ProcessOptions {
	ctx := c.Request().Context()
	rid, _ := c.Get("request_id").(string)
	return ProcessOptions{
		Prefer:    ParsePreferHeader(c.Request().Header.Get("Prefer")),
		RequestID: rid,
		Tenant:    db.TenantFromContext(ctx),
		User:      auth.UserIDFromContext(ctx),
	}
}

func wantsPersist(c echo.Context) bool {
	if strings.EqualFold(c.Request().Header.Get(headerPersistBundle), "true") {
		return true
	}
	return strings.EqualFold(c.QueryParam("_persist"), "true")
}

func isXML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasSuffix(mt, "/xml") || strings.HasSuffix(mt, "+xml")
}

func writeOutcome(c echo.Context, status int, outcome *OperationOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode OperationOutcome")
	}
	return c.Blob(status, fhirJSONContentType, data)
}
