package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"facegate/internal/api/middleware"
	"facegate/internal/codec"
	"facegate/internal/core/detector"
	"facegate/internal/core/matcher"
	"facegate/internal/core/models"
	"facegate/internal/core/processor"
	"facegate/internal/db"
	"facegate/internal/db/repository"
	"facegate/internal/facedb"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeInvalidator struct {
	mu   sync.Mutex
	refs []models.Reference
}

func (f *fakeInvalidator) Invalidate(ref models.Reference) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
}

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (e *eventLog) Publish(ev models.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) types() []models.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.EventType, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type testServer struct {
	router      *gin.Engine
	handler     *APIHandler
	translator  *middleware.Translator
	store       *facedb.Store
	distance    map[string]float64
	invalidator *fakeInvalidator
	events      *eventLog
}

// Rötliche Bilder enthalten ein "Gesicht", bläuliche nicht
var fakeLocator = detector.LocatorFunc(func(_ context.Context, img image.Image) (models.Region, error) {
	b := img.Bounds()
	r, _, bl, _ := img.At(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2).RGBA()
	if bl > r {
		return models.Region{}, detector.ErrNoFace
	}
	return models.Region{X: 0, Y: 0, W: b.Dx() / 2, H: b.Dy() / 2, Confidence: 1}, nil
})

func newTestServer(t *testing.T, withHistory bool) *testServer {
	t.Helper()

	store, err := facedb.Open(filepath.Join(t.TempDir(), "images"))
	if err != nil {
		t.Fatal(err)
	}
	ts := &testServer{
		store:       store,
		distance:    map[string]float64{},
		invalidator: &fakeInvalidator{},
		events:      &eventLog{},
	}

	verifier := detector.VerifierFunc(func(_ context.Context, _ image.Image, ref models.Reference) (float64, error) {
		if d, ok := ts.distance[ref.Identity]; ok {
			return d, nil
		}
		return 1, nil
	})
	m, err := matcher.New(verifier, matcher.Options{Threshold: 0.6})
	if err != nil {
		t.Fatal(err)
	}

	sink := processor.MultiSink{ts.events}
	var history repository.Repository
	if withHistory {
		gdb, err := db.Open(filepath.Join(t.TempDir(), "history.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { db.Close(gdb) })
		repo := repository.NewSQLiteRepository(gdb)
		history = repo
		sink = append(sink, repository.NewEventRecorder(repo))
	}

	proc := processor.NewImageProcessor(fakeLocator, m, store, sink, processor.ProcessingOptions{
		ReturnAnnotatedImage: true,
		DetectorName:         "fake",
		ModelName:            "Facenet",
	})
	pool := processor.NewWorkerPool(proc, 2)
	t.Cleanup(pool.Shutdown)

	h := NewAPIHandler(Deps{
		Store:       store,
		Pool:        pool,
		Invalidator: ts.invalidator,
		Sink:        sink,
		History:     history,
	})

	tr, err := middleware.NewTranslator("en")
	if err != nil {
		t.Fatal(err)
	}
	ts.handler = h
	ts.translator = tr
	ts.router = ts.engine(0)
	return ts
}

func (ts *testServer) engine(maxBody int64) *gin.Engine {
	r := gin.New()
	r.Use(middleware.I18n(ts.translator))
	r.Use(middleware.BodyLimit(maxBody))
	ts.handler.RegisterRoutes(r)
	return r
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func colorImage(t *testing.T, c color.RGBA) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, c)
		}
	}
	s, err := codec.Encode(img)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

var (
	red  = color.RGBA{R: 220, G: 30, B: 30, A: 255}
	blue = color.RGBA{R: 20, G: 30, B: 220, A: 255}
)

func (ts *testServer) upload(t *testing.T, name string) map[string]any {
	t.Helper()
	w, body := ts.do(t, http.MethodPost, "/upload", gin.H{"file": colorImage(t, red), "name": name})
	if w.Code != http.StatusOK {
		t.Fatalf("upload %s: status %d body %s", name, w.Code, w.Body.String())
	}
	return body
}

func TestUploadAndListUsers(t *testing.T) {
	ts := newTestServer(t, false)

	body := ts.upload(t, "alice")
	if body["identity"] != "alice" || !strings.HasSuffix(body["filename"].(string), ".jpg") {
		t.Errorf("upload body = %v", body)
	}
	if !strings.HasPrefix(body["message"].(string), "Image saved successfully") {
		t.Errorf("message = %v", body["message"])
	}
	ts.upload(t, "alice")
	ts.upload(t, "bob")

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var users map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &users); err != nil {
		t.Fatal(err)
	}
	if len(users["alice"]) != 2 || len(users["bob"]) != 1 {
		t.Fatalf("users = %d/%d", len(users["alice"]), len(users["bob"]))
	}
	for _, uri := range users["alice"] {
		if !strings.HasPrefix(uri, "data:image/jpeg;base64,") {
			t.Errorf("uri prefix = %.30s", uri)
		}
		if _, err := codec.Decode(uri); err != nil {
			t.Errorf("listed image does not decode: %v", err)
		}
	}

	got := ts.events.types()
	if len(got) != 3 || got[0] != models.EventReferenceEnrolled {
		t.Errorf("events = %v", got)
	}
}

func TestUploadRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, false)

	tests := []struct {
		name string
		body any
	}{
		{"missing name", gin.H{"file": colorImage(t, red)}},
		{"missing file", gin.H{"name": "alice"}},
		{"path traversal", gin.H{"file": colorImage(t, red), "name": "../evil"}},
		{"hidden name", gin.H{"file": colorImage(t, red), "name": ".trash"}},
		{"no data uri", gin.H{"file": "aGVsbG8=", "name": "alice"}},
		{"not an image", gin.H{"file": "data:image/jpeg;base64,aGVsbG8=", "name": "alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := ts.do(t, http.MethodPost, "/upload", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if body["error"] == nil || body["error"] == "" {
				t.Errorf("missing error body: %s", w.Body.String())
			}
		})
	}

	if n := ts.store.Snapshot().Len(); n != 0 {
		t.Errorf("database has %d references after rejected uploads", n)
	}
}

func TestRecognizeOutcomes(t *testing.T) {
	ts := newTestServer(t, false)
	ts.upload(t, "alice")
	ts.upload(t, "bob")

	// Treffer
	ts.distance["alice"] = 0.8
	ts.distance["bob"] = 0.3
	w, body := ts.do(t, http.MethodPost, "/recognize", gin.H{"file": colorImage(t, red)})
	if w.Code != http.StatusOK {
		t.Fatalf("match status = %d body %s", w.Code, w.Body.String())
	}
	if body["identity"] != "bob" || body["score"] != 0.3 || body["outcome"] != "match" {
		t.Errorf("match body = %v", body)
	}
	if s, _ := body["img_extracted"].(string); !strings.HasPrefix(s, "data:image/jpeg;base64,") {
		t.Error("annotated image missing")
	}

	// Unbekannt
	ts.distance["bob"] = 0.9
	w, body = ts.do(t, http.MethodPost, "/recognize", gin.H{"file": colorImage(t, red)})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown status = %d", w.Code)
	}
	if body["identity"] != models.UnknownIdentity || body["score"] != nil || body["message"] != "Face not recognized." {
		t.Errorf("unknown body = %v", body)
	}

	// Kein Gesicht
	w, body = ts.do(t, http.MethodPost, "/recognize", gin.H{"file": colorImage(t, blue)})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("no face status = %d", w.Code)
	}
	if body["outcome"] != "no_face" || body["compared"] != float64(0) {
		t.Errorf("no face body = %v", body)
	}
}

func TestRecognizeBadRequest(t *testing.T) {
	ts := newTestServer(t, false)

	for _, body := range []any{gin.H{}, gin.H{"file": "nope"}, gin.H{"file": "data:image/png;base64,!!!"}} {
		w, out := ts.do(t, http.MethodPost, "/recognize", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %v: status = %d", body, w.Code)
		}
		if out["error"] == nil {
			t.Errorf("body %v: missing error", body)
		}
	}
}

func TestRecognizeLocalizedMessage(t *testing.T) {
	ts := newTestServer(t, false)
	_, body := ts.do(t, http.MethodPost, "/recognize", gin.H{"file": colorImage(t, blue)}, "Accept-Language", "pt-BR")
	if body["message"] != "Nenhum rosto detectado." {
		t.Errorf("message = %v", body["message"])
	}
	_, body = ts.do(t, http.MethodPost, "/recognize?lang=de", gin.H{})
	if body["error"] != "Das Feld 'file' ist erforderlich" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestDeleteUser(t *testing.T) {
	ts := newTestServer(t, false)
	ts.upload(t, "alice")
	ts.upload(t, "alice")

	w, body := ts.do(t, http.MethodDelete, "/delete_user/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["message"] != "User 'alice' deleted successfully." {
		t.Errorf("message = %v", body["message"])
	}
	if ts.store.Snapshot().Len() != 0 {
		t.Error("references still present")
	}
	if len(ts.invalidator.refs) != 2 {
		t.Errorf("invalidated %d references, want 2", len(ts.invalidator.refs))
	}

	w, body = ts.do(t, http.MethodDelete, "/delete_user/alice", nil)
	if w.Code != http.StatusNotFound || body["error"] != "User not found." {
		t.Errorf("second delete: %d %v", w.Code, body)
	}
}

func TestDeleteImage(t *testing.T) {
	ts := newTestServer(t, false)
	up := ts.upload(t, "alice")
	ts.upload(t, "alice")
	filename := up["filename"].(string)

	w, _ := ts.do(t, http.MethodDelete, "/delete_image/alice/"+filename, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ts.store.Snapshot().Len() != 1 {
		t.Errorf("references = %d, want 1", ts.store.Snapshot().Len())
	}
	if len(ts.invalidator.refs) != 1 || ts.invalidator.refs[0].Filename != filename {
		t.Errorf("invalidated = %v", ts.invalidator.refs)
	}

	for _, path := range []string{"/delete_image/alice/" + filename, "/delete_image/nobody/x.jpg", "/delete_image/alice/..secret"} {
		w, body := ts.do(t, http.MethodDelete, path, nil)
		if w.Code != http.StatusNotFound || body["error"] != "Image not found." {
			t.Errorf("%s: %d %v", path, w.Code, body)
		}
	}
}

func TestHistoryDisabled(t *testing.T) {
	ts := newTestServer(t, false)
	w, body := ts.do(t, http.MethodGet, "/api/history", nil)
	if w.Code != http.StatusServiceUnavailable || body["error"] == nil {
		t.Errorf("status = %d body = %v", w.Code, body)
	}
}

func TestHistoryRecordsRecognitions(t *testing.T) {
	ts := newTestServer(t, true)
	ts.upload(t, "alice")
	ts.distance["alice"] = 0.1

	ts.do(t, http.MethodPost, "/recognize", gin.H{"file": colorImage(t, red)})
	ts.do(t, http.MethodPost, "/recognize", gin.H{"file": colorImage(t, blue)})

	w, body := ts.do(t, http.MethodGet, "/api/history?pageSize=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["total"] != float64(2) || body["totalPages"] != float64(2) {
		t.Errorf("history = %v", body)
	}
	if events, _ := body["events"].([]any); len(events) != 1 {
		t.Errorf("events on page = %d", len(events))
	}

	w, body = ts.do(t, http.MethodGet, "/api/history?outcome=match", nil)
	if w.Code != http.StatusOK || body["total"] != float64(1) {
		t.Errorf("filtered history = %d %v", w.Code, body)
	}

	w, _ = ts.do(t, http.MethodGet, "/api/history?since=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid since: status = %d", w.Code)
	}

	w, _ = ts.do(t, http.MethodGet, "/api/history/9999", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing event: status = %d", w.Code)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, true)
	ts.upload(t, "alice")
	ts.upload(t, "bob")

	w, body := ts.do(t, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	database, _ := body["database"].(map[string]any)
	if database["identities"] != float64(2) || database["references"] != float64(2) || database["history_available"] != true {
		t.Errorf("database = %v", database)
	}
	system, _ := body["system"].(map[string]any)
	if system["pool"] == nil {
		t.Errorf("pool stats missing: %v", system)
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	ts := newTestServer(t, false)
	ts.router = ts.engine(256)
	big := colorImage(t, red) + strings.Repeat("A", 1024)

	tests := []struct {
		path string
		body any
	}{
		{"/upload", gin.H{"file": big, "name": "alice"}},
		{"/recognize", gin.H{"file": big}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w, body := ts.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusRequestEntityTooLarge {
				t.Fatalf("status = %d, want 413 (body %s)", w.Code, w.Body.String())
			}
			if msg, _ := body["error"].(string); !strings.Contains(msg, "256 bytes") {
				t.Errorf("error = %v", body["error"])
			}
		})
	}

	// kleine Anfragen passieren das Limit
	w, _ := ts.do(t, http.MethodPost, "/recognize", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty request status = %d, want 400", w.Code)
	}
	if ids, _ := ts.store.List(context.Background()); len(ids) != 0 {
		t.Errorf("oversized upload was stored: %v", ids)
	}
}
