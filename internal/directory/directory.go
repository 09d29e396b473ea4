package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rollcall/internal/method"
)

// Student is the slice of the student record the verification core needs.
type Student struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ClassID      string `json:"class_id"`
	RefImageURL  string `json:"ref_image_url,omitempty"`
	FaceEnrolled bool   `json:"face_enrolled"`
}

// Class carries the per-class timing knobs. EndOfDay and LateAfter are local
// times of day ("HH:MM"); empty means "use the deployment default" and
// "never late" respectively.
type Class struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	EndOfDay  string `json:"end_of_day,omitempty"`
	LateAfter string `json:"late_after,omitempty"`
}

var (
	ErrStudentNotFound = errors.New("student not found")
	ErrClassNotFound   = errors.New("class not found")
)

// Students is the student directory collaborator.
type Students interface {
	Get(ctx context.Context, id string) (Student, error)
	List(ctx context.Context) ([]Student, error)
	SetReferenceImage(ctx context.Context, id, url string) error
}

// Classes is the class directory collaborator. MethodConfigs returns the
// per-class method rows (unique per class+method); ActiveMethods reports
// which methods the deployment currently accepts at all.
type Classes interface {
	Get(ctx context.Context, id string) (Class, error)
	MethodConfigs(ctx context.Context, classID string) ([]method.ClassConfig, error)
	ActiveMethods(ctx context.Context) (map[method.Method]bool, error)
}

// TimeOfDayOn resolves an "HH:MM" spec to an instant on t's day, in t's
// location. ok is false for empty or malformed specs.
func TimeOfDayOn(spec string, t time.Time) (time.Time, bool) {
	if spec == "" {
		return time.Time{}, false
	}
	var hh, mm int
	if _, err := fmt.Sscanf(spec, "%d:%d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), hh, mm, 0, 0, t.Location()), true
}
