// Package facerec is the in-process dlib encoder, an alternative to the Python worker.
package facerec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"gocv.io/x/gocv"
)

// Engine wraps a dlib recognizer. The model directory must contain
// shape_predictor_5_face_landmarks.dat, dlib_face_recognition_resnet_model_v1.dat
// and mmod_human_face_detector.dat.
type Engine struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

func New(modelDir string) (*Engine, error) {
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load dlib models from %s: %w", modelDir, err)
	}
	return &Engine{rec: rec}, nil
}

// ProcessFrame detects and encodes every face in img. dlib only reads JPEG, so
// other formats are re-encoded first.
func (e *Engine) ProcessFrame(img []byte) ([]types.Detection, error) {
	if !utils.IsJpeg(img) {
		converted, err := toJPEG(img)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrFrame, err)
		}
		img = converted
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return nil, errors.New("dlib engine is closed")
	}

	faces, err := e.rec.Recognize(img)
	if err != nil {
		var bad face.ImageLoadError
		if errors.As(err, &bad) {
			return nil, fmt.Errorf("%w: %v", types.ErrFrame, err)
		}
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	out := make([]types.Detection, 0, len(faces))
	for _, f := range faces {
		desc := make(types.Descriptor, len(f.Descriptor))
		for i, v := range f.Descriptor {
			desc[i] = float64(v)
		}
		r := f.Rectangle
		out = append(out, types.Detection{
			Box:        types.Box{Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y, Left: r.Min.X},
			Descriptor: desc,
		})
	}
	return out, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		e.rec.Close()
		e.rec = nil
	}
	return nil
}

func toJPEG(img []byte) ([]byte, error) {
	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("failed to decode image: unsupported format")
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	defer buf.Close()
	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}
