package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harrison-roh/sketch-classification/clsapp/data"
	"github.com/harrison-roh/sketch-classification/clsapp/data/db"
	"github.com/harrison-roh/sketch-classification/clsapp/inference"
)

type fakeManager struct {
	mode    string
	label   string
	sketch  data.Sketch
	prompt  data.CustomPrompt
	failure error
}

func (m *fakeManager) GetPrompt(ctx context.Context, mode string) (data.Prompt, error) {
	m.mode = mode
	return data.Prompt{ImgData: "data:image/svg+xml;base64,AAAA", Label: "circle"}, m.failure
}

func (m *fakeManager) PromptForLabel(ctx context.Context, label string) (data.Prompt, error) {
	m.label = label
	return data.Prompt{ImgData: "svg-of-" + label, Label: label}, m.failure
}

func (m *fakeManager) SaveSketch(ctx context.Context, s data.Sketch) (db.Item, error) {
	m.sketch = s
	return db.Item{}, m.failure
}

func (m *fakeManager) AddPrompt(ctx context.Context, p data.CustomPrompt) (db.Item, error) {
	m.prompt = p
	return db.Item{}, m.failure
}

func (m *fakeManager) Leaderboard(ctx context.Context) (map[string]data.Count, error) {
	return map[string]data.Count{"kim": {Count: 2}}, m.failure
}

func (m *fakeManager) Modes(ctx context.Context) (map[string]data.Count, error) {
	return map[string]data.Count{"basic": {Count: 4}}, m.failure
}

type fakePredictor struct {
	bounds image.Rectangle
}

func (p *fakePredictor) Infer(img image.Image, k int) (string, []inference.InferLabel, error) {
	p.bounds = img.Bounds()
	return "square", []inference.InferLabel{{Prob: 0.9, Label: "square"}, {Prob: 0.1, Label: "circle"}}, nil
}

func (p *fakePredictor) GetModel() map[string]interface{} {
	return map[string]interface{}{"status": "run"}
}

func newRouter(t *testing.T, m *fakeManager, p *fakePredictor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	a := &APIs{I: p, M: m, Logger: zaptest.NewLogger(t)}
	a.Register(r)

	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	var e HTTPError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e.Error
}

func TestGetPrompt(t *testing.T) {
	m := &fakeManager{}
	r := newRouter(t, m, &fakePredictor{})

	w := do(r, http.MethodGet, "/v1/training/shapes/prompt", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "all", m.mode)
	assert.JSONEq(t, `{"img_data": "data:image/svg+xml;base64,AAAA", "label": "circle"}`, w.Body.String())

	w = do(r, http.MethodGet, "/v1/training/shapes/prompt/basic", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "basic", m.mode)

	m.failure = db.ErrNotFound
	w = do(r, http.MethodGet, "/v1/training/shapes/prompt/unknown", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, db.ErrNotFound.Error(), errorMessage(t, w))
}

func TestPostSketch(t *testing.T) {
	m := &fakeManager{}
	r := newRouter(t, m, &fakePredictor{})

	w := do(r, http.MethodPost, "/v1/training/shapes/sketch",
		`{"img": "data:image/png;base64,AAAA", "label": "circle", "username": "kim", "is_mobile": "true"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Image successfully uploaded.", w.Body.String())
	assert.Equal(t, data.Sketch{Img: "data:image/png;base64,AAAA", Label: "circle", Username: "kim", IsMobile: true}, m.sketch)

	w = do(r, http.MethodPost, "/v1/training/shapes/sketch", `{"img": "AAAA", "label": "circle", "is_mobile": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, m.sketch.IsMobile)
}

func TestPostSketchInvalid(t *testing.T) {
	m := &fakeManager{}
	r := newRouter(t, m, &fakePredictor{})

	tests := map[string]string{
		"missing label":     `{"img": "AAAA"}`,
		"invalid is_mobile": `{"img": "AAAA", "label": "circle", "is_mobile": "maybe"}`,
		"not json":          `img=AAAA`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/v1/training/shapes/sketch", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, errorMessage(t, w))
		})
	}

	m.failure = errors.New("insert failed")
	w := do(r, http.MethodPost, "/v1/training/shapes/sketch", `{"img": "AAAA", "label": "circle"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "insert failed", errorMessage(t, w))
}

func TestCounts(t *testing.T) {
	r := newRouter(t, &fakeManager{}, &fakePredictor{})

	w := do(r, http.MethodGet, "/v1/leaderboard", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"kim": {"count": 2}}`, w.Body.String())

	w = do(r, http.MethodGet, "/v1/training/modes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"basic": {"count": 4}}`, w.Body.String())
}

func TestAddPrompt(t *testing.T) {
	m := &fakeManager{}
	r := newRouter(t, m, &fakePredictor{})

	w := do(r, http.MethodPost, "/v1/prompt/add",
		`{"img": "PHN2Zz4=", "label": "triangle", "mode": "custom", "username": "lee", "is_mobile": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data.CustomPrompt{Img: "PHN2Zz4=", Label: "triangle", Mode: "custom", Username: "lee", IsMobile: true}, m.prompt)

	w = do(r, http.MethodPost, "/v1/prompt/add", `{"img": "PHN2Zz4=", "label": "triangle"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	m.failure = data.ErrDuplicated
	w = do(r, http.MethodPost, "/v1/prompt/add", `{"img": "PHN2Zz4=", "label": "circle", "mode": "custom"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorMessage(t, w), "already in use")
}

func TestPredict(t *testing.T) {
	m := &fakeManager{}
	p := &fakePredictor{}
	r := newRouter(t, m, p)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 30, 20))))
	body, err := json.Marshal(PredictRequest{Img: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())})
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/v1/diagram/predict", string(body))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, image.Rect(0, 0, 30, 20), p.bounds)
	assert.Equal(t, "square", m.label)

	var res struct {
		ImgData   string                 `json:"img_data"`
		Label     string                 `json:"label"`
		Inference []inference.InferLabel `json:"inference"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "svg-of-square", res.ImgData)
	assert.Equal(t, "square", res.Label)
	assert.Len(t, res.Inference, 2)
}

func TestPredictInvalidImage(t *testing.T) {
	r := newRouter(t, &fakeManager{}, &fakePredictor{})

	for _, img := range []string{"!!!", base64.StdEncoding.EncodeToString([]byte("plain text"))} {
		body, err := json.Marshal(PredictRequest{Img: img})
		require.NoError(t, err)

		w := do(r, http.MethodPost, "/v1/diagram/predict", string(body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
}

func TestPredictRejectsJPEG(t *testing.T) {
	p := &fakePredictor{}
	r := newRouter(t, &fakeManager{}, p)

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16)), nil))
	body, err := json.Marshal(PredictRequest{Img: base64.StdEncoding.EncodeToString(buf.Bytes())})
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/v1/diagram/predict", string(body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorMessage(t, w), "Unsupported image format")
	assert.Equal(t, image.Rectangle{}, p.bounds)
}

func TestShowModel(t *testing.T) {
	r := newRouter(t, &fakeManager{}, &fakePredictor{})

	w := do(r, http.MethodGet, "/v1/model", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "run"}`, w.Body.String())
}

func TestBoolUnmarshal(t *testing.T) {
	for raw, want := range map[string]bool{`true`: true, `"true"`: true, `false`: false, `"false"`: false, `null`: false} {
		var b Bool
		require.NoError(t, json.Unmarshal([]byte(raw), &b), raw)
		assert.Equal(t, want, bool(b), raw)
	}

	var b Bool
	assert.Error(t, json.Unmarshal([]byte(`1`), &b))
}
