package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"facegate/internal/api/middleware"
	"facegate/internal/codec"
	"facegate/internal/core/detector"
	"facegate/internal/core/models"
	"facegate/internal/core/processor"
	"facegate/internal/db/repository"
	"facegate/internal/facedb"
	"facegate/internal/server/sse"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
)

// BackendStatus meldet die Erreichbarkeit der Erkennungs-Backends
type BackendStatus interface {
	Available(ctx context.Context) map[string]bool
}

// Deps bündelt die Abhängigkeiten der Handler
type Deps struct {
	Store       *facedb.Store
	Pool        *processor.WorkerPool
	Invalidator detector.Invalidator  // optional
	Sink        processor.EventSink   // optional
	History     repository.Repository // nil, wenn das Protokoll deaktiviert ist
	Hub         *sse.Hub              // optional
	Backends    BackendStatus         // optional
	StartedAt   time.Time
}

// APIHandler behandelt die Anfragen an die Gesichtsdatenbank
type APIHandler struct {
	Deps
}

// NewAPIHandler erstellt einen neuen API-Handler
func NewAPIHandler(deps Deps) *APIHandler {
	registerValidations()
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	return &APIHandler{Deps: deps}
}

// RegisterRoutes registriert alle Routen
func (h *APIHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/upload", h.Upload)
	router.POST("/recognize", h.Recognize)
	router.GET("/users", h.ListUsers)
	router.DELETE("/delete_user/:username", h.DeleteUser)
	router.DELETE("/delete_image/:username/:image_name", h.DeleteImage)

	api := router.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/events", h.StreamEvents)
	api.GET("/history", h.ListHistory)
	api.GET("/history/:id", h.GetHistoryEvent)
}

var registerOnce sync.Once

// registerValidations hängt die Regel "identity" an den Validator von gin
func registerValidations() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		if err := v.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
			return facedb.ValidateIdentity(fl.Field().String()) == nil
		}); err != nil {
			log.Errorf("Failed to register identity validation: %v", err)
		}
	})
}

type uploadRequest struct {
	File string `json:"file" binding:"required"`
	Name string `json:"name" binding:"required,identity"`
}

type recognizeRequest struct {
	File string `json:"file" binding:"required"`
}

func respondError(c *gin.Context, status int, id string, data map[string]any) {
	c.JSON(status, gin.H{"error": middleware.T(c, id, data)})
}

// hasTag prüft, ob eine Validierung an der angegebenen Regel gescheitert ist
func hasTag(err error, tag string) bool {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return false
	}
	for _, fe := range verrs {
		if fe.Tag() == tag {
			return true
		}
	}
	return false
}

func (h *APIHandler) publish(ev models.Event) {
	if h.Sink == nil {
		return
	}
	ev.Timestamp = time.Now()
	h.Sink.Publish(ev)
}

// respondBindError unterscheidet zu große Anfragen von ungültigen
func respondBindError(c *gin.Context, err error, key string, data map[string]any) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(c, http.StatusRequestEntityTooLarge, "error.too_large", map[string]any{"Limit": tooLarge.Limit})
		return
	}
	respondError(c, http.StatusBadRequest, key, data)
}

// Upload registriert ein Referenzbild für eine Identität
func (h *APIHandler) Upload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if hasTag(err, "identity") {
			respondError(c, http.StatusBadRequest, "error.invalid_identity", map[string]any{"Name": req.Name})
			return
		}
		respondBindError(c, err, "error.file_name_required", nil)
		return
	}

	raw, format, err := codec.DecodeBytes(req.File)
	if err != nil {
		respondError(c, http.StatusBadRequest, "error.decode", map[string]any{"Detail": err.Error()})
		return
	}
	data, err := codec.NormalizeJPEG(raw, format)
	if err != nil {
		respondError(c, http.StatusBadRequest, "error.decode", map[string]any{"Detail": err.Error()})
		return
	}

	ref, err := h.Store.Enroll(c.Request.Context(), req.Name, data)
	if err != nil {
		switch {
		case errors.Is(err, facedb.ErrInvalidIdentity):
			respondError(c, http.StatusBadRequest, "error.invalid_identity", map[string]any{"Name": req.Name})
		default:
			log.WithError(err).WithField("identity", req.Name).Error("Enrollment failed")
			respondError(c, http.StatusInternalServerError, "error.storage", map[string]any{"Detail": err.Error()})
		}
		return
	}

	h.publish(models.Event{
		Type:     models.EventReferenceEnrolled,
		Source:   "api",
		Identity: ref.Identity,
		Filename: ref.Filename,
	})

	c.JSON(http.StatusOK, gin.H{
		"message":  middleware.T(c, "msg.image_saved", map[string]any{"Locator": ref.Locator}),
		"locator":  ref.Locator,
		"identity": ref.Identity,
		"filename": ref.Filename,
	})
}

// Recognize erkennt die Person auf einem Bild.
// Treffer 200, unbekannt 404, kein Gesicht 422.
func (h *APIHandler) Recognize(c *gin.Context) {
	var req recognizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err, "error.file_required", nil)
		return
	}

	result, err := h.Pool.Recognize(c.Request.Context(), req.File, "api")
	if err != nil {
		switch {
		case errors.Is(err, codec.ErrDecode):
			respondError(c, http.StatusBadRequest, "error.decode", map[string]any{"Detail": err.Error()})
		case errors.Is(err, processor.ErrPoolClosed):
			respondError(c, http.StatusServiceUnavailable, "error.unavailable", nil)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			respondError(c, http.StatusServiceUnavailable, "error.recognition", map[string]any{"Detail": err.Error()})
		default:
			log.WithError(err).Error("Recognition failed")
			respondError(c, http.StatusInternalServerError, "error.recognition", map[string]any{"Detail": err.Error()})
		}
		return
	}

	body := gin.H{
		"outcome":    result.Outcome,
		"identity":   result.Identity,
		"score":      result.Score,
		"confidence": result.Score,
		"compared":   result.Compared,
		"failed":     result.Failed,
	}
	if result.Region != nil {
		body["region"] = result.Region
	}
	if result.AnnotatedImage != "" {
		body["img_extracted"] = result.AnnotatedImage
	}
	if result.TimedOut {
		body["timed_out"] = true
	}

	status := http.StatusOK
	switch result.Outcome {
	case models.OutcomeMatch:
		body["message"] = middleware.T(c, "msg.recognized", map[string]any{"Name": result.Identity})
	case models.OutcomeNoFace:
		body["message"] = middleware.T(c, "msg.no_face", nil)
		status = http.StatusUnprocessableEntity
	default:
		body["message"] = middleware.T(c, "msg.not_recognized", nil)
		status = http.StatusNotFound
	}
	c.JSON(status, body)
}

// ListUsers liefert alle Identitäten mit ihren Referenzbildern als Data-URIs
func (h *APIHandler) ListUsers(c *gin.Context) {
	users, err := h.Store.List(c.Request.Context())
	if err != nil {
		log.WithError(err).Error("Failed to list users")
		respondError(c, http.StatusInternalServerError, "error.storage", map[string]any{"Detail": err.Error()})
		return
	}

	out := make(map[string][]string, len(users))
	for identity, refs := range users {
		images := make([]string, 0, len(refs))
		for _, ref := range refs {
			data, err := h.Store.ReadReference(ref)
			if err != nil {
				// Datei zwischen Auflisten und Lesen entfernt
				if errors.Is(err, facedb.ErrNotFound) {
					continue
				}
				log.WithError(err).Error("Failed to read reference")
				respondError(c, http.StatusInternalServerError, "error.storage", map[string]any{"Detail": err.Error()})
				return
			}
			images = append(images, codec.EncodeBytes(data))
		}
		out[identity] = images
	}
	c.JSON(http.StatusOK, out)
}

// DeleteUser entfernt eine Identität mit allen Referenzbildern
func (h *APIHandler) DeleteUser(c *gin.Context) {
	username := c.Param("username")

	// Referenzen vorab merken, um Caches gezielt zu leeren
	var refs []models.Reference
	for _, ref := range h.Store.Snapshot().References() {
		if ref.Identity == username {
			refs = append(refs, ref)
		}
	}

	if err := h.Store.RemoveIdentity(username); err != nil {
		h.respondRemoveError(c, err, "error.user_not_found", username)
		return
	}
	if h.Invalidator != nil {
		for _, ref := range refs {
			h.Invalidator.Invalidate(ref)
		}
	}

	h.publish(models.Event{Type: models.EventIdentityRemoved, Source: "api", Identity: username})
	c.JSON(http.StatusOK, gin.H{"message": middleware.T(c, "msg.user_deleted", map[string]any{"Name": username})})
}

// DeleteImage entfernt ein einzelnes Referenzbild
func (h *APIHandler) DeleteImage(c *gin.Context) {
	username := c.Param("username")
	imageName := c.Param("image_name")

	ref, found := models.Reference{}, false
	for _, r := range h.Store.Snapshot().References() {
		if r.Identity == username && r.Filename == imageName {
			ref, found = r, true
			break
		}
	}

	if err := h.Store.RemoveReference(username, imageName); err != nil {
		h.respondRemoveError(c, err, "error.image_not_found", username)
		return
	}
	if found && h.Invalidator != nil {
		h.Invalidator.Invalidate(ref)
	}

	h.publish(models.Event{Type: models.EventReferenceRemoved, Source: "api", Identity: username, Filename: imageName})
	c.JSON(http.StatusOK, gin.H{"message": middleware.T(c, "msg.image_deleted", map[string]any{"Image": imageName})})
}

// respondRemoveError bildet Fehler beim Löschen auf Statuscodes ab.
// Ungültige Namen können nicht existieren und gelten als nicht gefunden.
func (h *APIHandler) respondRemoveError(c *gin.Context, err error, notFoundID, username string) {
	switch {
	case errors.Is(err, facedb.ErrNotFound), errors.Is(err, facedb.ErrInvalidIdentity):
		respondError(c, http.StatusNotFound, notFoundID, nil)
	default:
		log.WithError(err).WithField("identity", username).Error("Delete failed")
		respondError(c, http.StatusInternalServerError, "error.storage", map[string]any{"Detail": err.Error()})
	}
}
