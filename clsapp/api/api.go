package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/harrison-roh/sketch-classification/clsapp/constants"
	"github.com/harrison-roh/sketch-classification/clsapp/data"
	"github.com/harrison-roh/sketch-classification/clsapp/data/db"
	"github.com/harrison-roh/sketch-classification/clsapp/imaging"
	"github.com/harrison-roh/sketch-classification/clsapp/inference"
)

// DataManager prompt 와 수집 스케치 관리 기능
type DataManager interface {
	GetPrompt(ctx context.Context, mode string) (data.Prompt, error)
	PromptForLabel(ctx context.Context, label string) (data.Prompt, error)
	SaveSketch(ctx context.Context, s data.Sketch) (db.Item, error)
	AddPrompt(ctx context.Context, p data.CustomPrompt) (db.Item, error)
	Leaderboard(ctx context.Context) (map[string]data.Count, error)
	Modes(ctx context.Context) (map[string]data.Count, error)
}

// Predictor 스케치 추론 기능
type Predictor interface {
	Infer(img image.Image, k int) (string, []inference.InferLabel, error)
	GetModel() map[string]interface{}
}

// APIs api 핸들러
type APIs struct {
	I      Predictor
	M      DataManager
	Logger *zap.Logger
}

// Bool json 의 true 또는 "true"
type Bool bool

// UnmarshalJSON json.Unmarshaler
func (b *Bool) UnmarshalJSON(raw []byte) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case bool:
		*b = Bool(v)
	case string:
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("Invalid boolean: %q", v)
		}
		*b = Bool(parsed)
	case nil:
		*b = false
	default:
		return fmt.Errorf("Invalid boolean: %s", raw)
	}

	return nil
}

// SketchRequest 수집 스케치 요청
type SketchRequest struct {
	Img      string `json:"img" binding:"required"`
	Label    string `json:"label" binding:"required"`
	Username string `json:"username"`
	IsMobile Bool   `json:"is_mobile"`
}

// PromptRequest 사용자 prompt 추가 요청
type PromptRequest struct {
	Img      string `json:"img" binding:"required"`
	Label    string `json:"label" binding:"required"`
	Mode     string `json:"mode" binding:"required"`
	Username string `json:"username"`
	IsMobile Bool   `json:"is_mobile"`
}

// PredictRequest 추론 요청
type PredictRequest struct {
	Img string `json:"img" binding:"required"`
}

// Register 라우터에 핸들러 등록
func (a *APIs) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	{
		training := v1.Group("/training")
		training.GET("/shapes/prompt", a.GetPrompt)
		training.GET("/shapes/prompt/:mode", a.GetPrompt)
		training.POST("/shapes/sketch", a.PostSketch)
		training.GET("/modes", a.Modes)

		v1.GET("/leaderboard", a.Leaderboard)
		v1.POST("/prompt/add", a.AddPrompt)
		v1.POST("/diagram/predict", a.Predict)
		v1.GET("/model", a.ShowModel)
	}
}

// GetPrompt 임의의 prompt 이미지 반환
func (a *APIs) GetPrompt(c *gin.Context) {
	mode := c.Param("mode")
	if mode == "" {
		mode = constants.ModeAll
	}

	if prompt, err := a.M.GetPrompt(c.Request.Context(), mode); err != nil {
		Error(c, http.StatusBadRequest, err)
	} else {
		c.JSON(http.StatusOK, prompt)
	}
}

// PostSketch 학습용 스케치 저장
func (a *APIs) PostSketch(c *gin.Context) {
	var req SketchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	_, err := a.M.SaveSketch(c.Request.Context(), data.Sketch{
		Img:      req.Img,
		Label:    req.Label,
		Username: req.Username,
		IsMobile: bool(req.IsMobile),
	})
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	c.String(http.StatusOK, "Image successfully uploaded.")
}

// Leaderboard 사용자별 수집 수 반환
func (a *APIs) Leaderboard(c *gin.Context) {
	if counts, err := a.M.Leaderboard(c.Request.Context()); err != nil {
		Error(c, http.StatusBadRequest, err)
	} else {
		c.JSON(http.StatusOK, counts)
	}
}

// Modes 모드별 prompt 수 반환
func (a *APIs) Modes(c *gin.Context) {
	if counts, err := a.M.Modes(c.Request.Context()); err != nil {
		Error(c, http.StatusBadRequest, err)
	} else {
		c.JSON(http.StatusOK, counts)
	}
}

// AddPrompt 사용자 prompt 추가
func (a *APIs) AddPrompt(c *gin.Context) {
	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	_, err := a.M.AddPrompt(c.Request.Context(), data.CustomPrompt{
		Img:      req.Img,
		Label:    req.Label,
		Mode:     req.Mode,
		Username: req.Username,
		IsMobile: bool(req.IsMobile),
	})
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	c.String(http.StatusOK, "Image successfully uploaded.")
}

// Predict 스케치를 추론하고 해당 라벨의 prompt 와 함께 반환
func (a *APIs) Predict(c *gin.Context) {
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	raw, mime, err := data.DecodeImage(req.Img)
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	// 알파 채널을 밝기로 쓰므로 png 만 받는다
	if !mime.Is("image/png") {
		Error(c, http.StatusBadRequest, fmt.Errorf("Unsupported image format: %s", mime))
		return
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	t0 := time.Now()
	label, infers, err := a.I.Infer(img, constants.DefaultMultiClassMax)
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	elapsed := time.Since(t0)

	prompt, err := a.M.PromptForLabel(c.Request.Context(), label)
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	a.Logger.Debug("Sketch predicted",
		zap.String("label", label),
		zap.Duration("elapsed", elapsed))

	c.JSON(http.StatusOK, gin.H{
		"img_data":    prompt.ImgData,
		"label":       label,
		"inference":   infers,
		"elapsed(ms)": elapsed.Milliseconds(),
	})
}

// ShowModel 서빙중인 모델 정보 반환
func (a *APIs) ShowModel(c *gin.Context) {
	if info := a.I.GetModel(); info != nil {
		c.JSON(http.StatusOK, info)
	} else {
		Error(c, http.StatusBadRequest, errors.New("Cannot find model info"))
	}
}

// HTTPError api 에러 메시지
type HTTPError struct {
	Error string `json:"error"`
}

// Error api 에러를 담은 json 응답 생성
func Error(c *gin.Context, status int, err error) {
	c.JSON(status, HTTPError{
		Error: err.Error(),
	})
}
