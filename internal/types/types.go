package types

import (
	"errors"
	"fmt"
	"time"
)

// UnknownID is the student id assigned when it cannot be derived from a reference image name.
const UnknownID = "UnknownID"

// TimestampLayout is how attendance timestamps are rendered (local time, second precision).
const TimestampLayout = "2006-01-02 15:04:05"

// DescriptorSize is the length of the face encodings produced by both engines.
const DescriptorSize = 128

// ErrFrame marks an encoder failure confined to one image, such as bytes that
// do not decode. The encoder stays usable afterwards.
var ErrFrame = errors.New("image could not be processed")

// Unknown is the identity reported for faces that match nobody in the gallery.
var Unknown = Identity{Name: "Unknown", StudentID: UnknownID}

// Identity is an enrolled person, derived from a reference image's filename.
type Identity struct {
	Name      string
	StudentID string
}

func (i Identity) String() string {
	return fmt.Sprintf("%s (%s)", i.Name, i.StudentID)
}

// Descriptor is a fixed-length face encoding.
type Descriptor []float64

// Box is a face region as [top, right, bottom, left], the order face engines report it in.
type Box struct {
	Top    int
	Right  int
	Bottom int
	Left   int
}

// Scale maps a box found on a downscaled frame back onto the original frame.
func (b Box) Scale(factor int) Box {
	if factor <= 1 {
		return b
	}
	return Box{
		Top:    b.Top * factor,
		Right:  b.Right * factor,
		Bottom: b.Bottom * factor,
		Left:   b.Left * factor,
	}
}

// Area is used to pick the most prominent face in a still image.
func (b Box) Area() int {
	return (b.Bottom - b.Top) * (b.Right - b.Left)
}

// Detection is one face found on one frame. It is never persisted.
type Detection struct {
	Box        Box
	Descriptor Descriptor
}

// Frame is a single image pulled from a frame source.
// Data is the (possibly downscaled) JPEG handed to the encoder; Full is the
// original-resolution JPEG when the source keeps it.
type Frame struct {
	Index int
	Data  []byte
	Full  []byte
	Scale int
}

// Event is one accepted attendance record. Immutable once written.
type Event struct {
	Name      string
	StudentID string
	Timestamp time.Time
}

// NewEvent stamps an identity with the given time, truncated to the log's precision.
func NewEvent(id Identity, at time.Time) Event {
	return Event{Name: id.Name, StudentID: id.StudentID, Timestamp: at.Truncate(time.Second)}
}

// Record renders the event as the three attendance log fields.
func (e Event) Record() []string {
	return []string{e.Name, e.StudentID, e.Timestamp.Local().Format(TimestampLayout)}
}
