// Package camera reads frames from a local capture device through OpenCV.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strconv"

	"github.com/andresmejia3/rollcall/internal/types"
	"gocv.io/x/gocv"
)

// ErrNoFrame means the device returned nothing this cycle. It is not fatal.
var ErrNoFrame = errors.New("camera returned no frame")

// warmupFrames are discarded before a still so auto-exposure can settle.
const warmupFrames = 5

// Device is an open capture device.
type Device struct {
	cap      *gocv.VideoCapture
	scale    int
	keepFull bool
	index    int
	frame    gocv.Mat
	small    gocv.Mat
}

// Open starts capture on a device index ("0") or a URL. Frames are downscaled
// by scale before encoding; keepFull also keeps the original-resolution JPEG.
func Open(device string, scale int, keepFull bool) (*Device, error) {
	var id interface{} = device
	if n, err := strconv.Atoi(device); err == nil {
		id = n
	}
	vc, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %s: %w", device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("camera %s is not available", device)
	}
	if scale < 1 {
		scale = 1
	}
	return &Device{
		cap:      vc,
		scale:    scale,
		keepFull: keepFull,
		frame:    gocv.NewMat(),
		small:    gocv.NewMat(),
	}, nil
}

// Next grabs one frame.
func (d *Device) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	if ok := d.cap.Read(&d.frame); !ok || d.frame.Empty() {
		return types.Frame{}, ErrNoFrame
	}
	d.index++

	src := d.frame
	if d.scale > 1 {
		f := 1 / float64(d.scale)
		if err := gocv.Resize(d.frame, &d.small, image.Point{}, f, f, gocv.InterpolationLinear); err != nil {
			return types.Frame{}, fmt.Errorf("failed to downscale frame: %w", err)
		}
		src = d.small
	}

	data, err := encode(src)
	if err != nil {
		return types.Frame{}, err
	}
	fr := types.Frame{Index: d.index, Data: data, Scale: d.scale}
	if d.keepFull {
		if d.scale == 1 {
			fr.Full = data
		} else if fr.Full, err = encode(d.frame); err != nil {
			return types.Frame{}, err
		}
	}
	return fr, nil
}

// Still returns one full-resolution JPEG, used for enrollment.
func (d *Device) Still(ctx context.Context) ([]byte, error) {
	for i := 0; i < warmupFrames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d.cap.Grab(1)
	}
	if ok := d.cap.Read(&d.frame); !ok || d.frame.Empty() {
		return nil, ErrNoFrame
	}
	return encode(d.frame)
}

func (d *Device) Close() error {
	d.frame.Close()
	d.small.Close()
	return d.cap.Close()
}

// Label is a box drawn onto a debug frame.
type Label struct {
	Box   types.Box
	Text  string
	Known bool
}

// Annotate draws labelled boxes onto a JPEG and returns the new JPEG.
func Annotate(img []byte, labels []Label) ([]byte, error) {
	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	defer mat.Close()

	green := color.RGBA{G: 255}
	red := color.RGBA{R: 255}
	for _, l := range labels {
		c := red
		if l.Known {
			c = green
		}
		rect := image.Rect(l.Box.Left, l.Box.Top, l.Box.Right, l.Box.Bottom)
		if err := gocv.Rectangle(&mat, rect, c, 2); err != nil {
			return nil, fmt.Errorf("failed to draw rectangle: %w", err)
		}
		pt := image.Pt(l.Box.Left, l.Box.Bottom+20)
		if err := gocv.PutText(&mat, l.Text, pt, gocv.FontHersheyDuplex, 0.6, c, 1); err != nil {
			return nil, fmt.Errorf("failed to draw text: %w", err)
		}
	}
	return encode(mat)
}

func encode(m gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	defer buf.Close()
	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}
