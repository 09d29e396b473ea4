package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"rollcall/internal/audit"
	"rollcall/internal/credential"
	"rollcall/internal/directory"
	"rollcall/internal/facematch"
	"rollcall/internal/imagestore"
	"rollcall/internal/ledger"
	"rollcall/internal/method"
	"rollcall/internal/metrics"
	"rollcall/internal/session"
)

// Reason is a verification failure code. Failures are verdicts, not errors:
// a wrong PIN or an expired session returns a Result carrying one of these,
// never a Go error.
type Reason string

const (
	ReasonNotConfigured     Reason = "not_configured"
	ReasonLocked            Reason = "locked"
	ReasonWrongPIN          Reason = "wrong_pin"
	ReasonCardNotFound      Reason = "card_not_found"
	ReasonCardInactive      Reason = "card_inactive"
	ReasonCardExpired       Reason = "card_expired"
	ReasonSessionNotFound   Reason = "session_not_found"
	ReasonSessionExpired    Reason = "session_expired"
	ReasonNoFaceMatch       Reason = "no_face_match"
	ReasonNoFaceDetected    Reason = "no_face_detected"
	ReasonMethodInactive    Reason = "method_inactive"
	ReasonMethodNotAllowed  Reason = "method_not_allowed"
	ReasonMethodNotRequired Reason = "method_not_required"
	ReasonTimeout           Reason = "timeout"
)

// StructuralError marks a malformed request: missing fields, an unreadable
// image, an unknown student. It is surfaced to the caller immediately and
// never touches lockout counters or the ledger.
type StructuralError struct {
	Msg string
}

func (e *StructuralError) Error() string { return e.Msg }

// Structural builds a StructuralError.
func Structural(format string, args ...any) error {
	return &StructuralError{Msg: fmt.Sprintf(format, args...)}
}

// IsStructural reports whether err is a malformed-request error as opposed
// to a system fault.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// ErrImageUnreadable is returned when the submitted image could not be
// decoded upstream. It is structural: it does not count against any lockout.
var ErrImageUnreadable = &StructuralError{Msg: "image unreadable"}

// Request is one attendance-marking attempt.
type Request struct {
	StudentID   string // empty for NFC: the card is the identity claim
	SessionCode string
	Method      method.Method
	PIN         string
	CardUID     string
	Image       []byte // decoded probe image for FACE
	SourceAddr  string
	DeviceInfo  string
}

// Result is the verdict. Verified=false with a Reason is an expected
// failure; Created=false on a verified result means the student had already
// checked in today and the attempt was accepted as a duplicate.
type Result struct {
	Verified  bool          `json:"verified"`
	Status    ledger.Status `json:"status,omitempty"`
	Reason    Reason        `json:"reason,omitempty"`
	Created   bool          `json:"created"`
	StudentID string        `json:"student_id"`
}

// Engine decides whether an attendance-marking attempt is genuine and
// records the outcome exactly once per qualifying day.
type Engine struct {
	creds     credential.Store
	sessions  session.Registry
	book      ledger.Ledger
	auditor   audit.Recorder
	matcher   facematch.Matcher
	students  directory.Students
	classes   directory.Classes
	images    imagestore.Fetcher
	tolerance float64
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option tweaks an Engine.
type Option func(*Engine)

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTolerance overrides the face match tolerance.
func WithTolerance(tol float64) Option {
	return func(e *Engine) { e.tolerance = tol }
}

// WithTimeout overrides the per-attempt deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// New wires an Engine from its collaborators.
func New(
	creds credential.Store,
	sessions session.Registry,
	book ledger.Ledger,
	auditor audit.Recorder,
	matcher facematch.Matcher,
	students directory.Students,
	classes directory.Classes,
	images imagestore.Fetcher,
	opts ...Option,
) *Engine {
	e := &Engine{
		creds:     creds,
		sessions:  sessions,
		book:      book,
		auditor:   auditor,
		matcher:   matcher,
		students:  students,
		classes:   classes,
		images:    images,
		tolerance: facematch.DefaultTolerance,
		timeout:   5 * time.Second,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify runs one attempt through the state machine: resolve session,
// dispatch on method, audit the outcome, commit the ledger on success.
// Expected failures come back as a Result; only malformed input or system
// faults return an error.
func (e *Engine) Verify(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := e.verify(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		e.record(ctx, req, "", "", false, ReasonTimeout, nil)
		metrics.VerifyAttempts.WithLabelValues(string(req.Method), string(ReasonTimeout)).Inc()
		return Result{}, fmt.Errorf("verification timed out: %w", err)
	}
	return res, err
}

func validate(req Request) error {
	if req.Method == "" {
		return Structural("method is required")
	}
	if req.Method != method.NFC && req.StudentID == "" {
		return Structural("student_id is required")
	}
	switch req.Method {
	case method.PIN:
		if req.PIN == "" {
			return Structural("pin is required")
		}
	case method.NFC:
		if req.CardUID == "" {
			return Structural("card_uid is required")
		}
	case method.Face:
		if len(req.Image) == 0 {
			return Structural("image_data is required")
		}
	case method.QR, method.Fingerprint:
	}
	if req.Method.RequiresSession() && req.SessionCode == "" {
		return Structural("session_code is required")
	}
	return nil
}

func (e *Engine) verify(ctx context.Context, req Request) (Result, error) {
	now := e.now()

	active, err := e.classes.ActiveMethods(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load method switches: %w", err)
	}
	if !active[req.Method] {
		return e.fail(ctx, req, "", "", req.StudentID, ReasonMethodInactive, nil), nil
	}

	// Session first: FACE runs against the stored reference image and is
	// the one sessionless method; everything else needs a live window.
	var sess session.Session
	if req.Method.RequiresSession() {
		sess, err = e.sessions.Resolve(ctx, req.SessionCode)
		switch {
		case errors.Is(err, session.ErrNotFound):
			return e.fail(ctx, req, "", "", req.StudentID, ReasonSessionNotFound, nil), nil
		case errors.Is(err, session.ErrExpired):
			return e.fail(ctx, req, sess.ID, sess.ClassID, req.StudentID, ReasonSessionExpired, nil), nil
		case err != nil:
			return Result{}, fmt.Errorf("resolve session: %w", err)
		}
	}

	// NFC resolves identity from the card before anything student-scoped.
	studentID := req.StudentID
	if req.Method == method.NFC {
		studentID, err = e.creds.VerifyNFC(ctx, req.CardUID)
		if reason, ok := cardReason(err); ok {
			return e.fail(ctx, req, sess.ID, sess.ClassID, "", reason, nil), nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("verify card: %w", err)
		}
	}

	student, err := e.students.Get(ctx, studentID)
	if errors.Is(err, directory.ErrStudentNotFound) {
		return Result{}, Structural("student %s not found", studentID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load student: %w", err)
	}

	classID := sess.ClassID
	if classID == "" {
		classID = student.ClassID
	}

	if reason, ok, err := e.checkClassConfig(ctx, classID, req.Method); err != nil {
		return Result{}, err
	} else if !ok {
		return e.fail(ctx, req, sess.ID, classID, studentID, reason, nil), nil
	}

	reason, details, err := e.dispatch(ctx, req, student)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		return e.fail(ctx, req, sess.ID, classID, studentID, reason, details), nil
	}

	status := e.deriveStatus(ctx, classID, now)
	created, err := e.book.Commit(ctx, ledger.Record{
		StudentID: studentID,
		ClassID:   classID,
		Status:    status,
		Timestamp: now,
		Method:    req.Method,
	})
	if err != nil {
		return Result{}, fmt.Errorf("commit attendance: %w", err)
	}

	// Audited after the commit so the trail never claims a success the
	// ledger does not back.
	if details == nil {
		details = make(map[string]string, 3)
	}
	details["created"] = strconv.FormatBool(created)
	e.record(ctx, Request{
		StudentID:  studentID,
		Method:     req.Method,
		SourceAddr: req.SourceAddr,
		DeviceInfo: req.DeviceInfo,
	}, sess.ID, classID, true, "", details)

	metrics.VerifyAttempts.WithLabelValues(string(req.Method), "verified").Inc()
	metrics.LedgerCommits.WithLabelValues(string(status), strconv.FormatBool(created)).Inc()
	return Result{Verified: true, Status: status, Created: created, StudentID: studentID}, nil
}

// checkClassConfig enforces the per-class method rows: when the class
// configures methods, only configured ones are allowed, and when any is
// marked required, only required ones can complete a check-in.
func (e *Engine) checkClassConfig(ctx context.Context, classID string, m method.Method) (Reason, bool, error) {
	if classID == "" {
		return "", true, nil
	}
	cfgs, err := e.classes.MethodConfigs(ctx, classID)
	if err != nil {
		return "", false, fmt.Errorf("load class method config: %w", err)
	}
	if len(cfgs) == 0 {
		return "", true, nil
	}
	var mine *method.ClassConfig
	anyRequired := false
	for i := range cfgs {
		if cfgs[i].Required {
			anyRequired = true
		}
		if cfgs[i].Method == m {
			mine = &cfgs[i]
		}
	}
	if mine == nil {
		return ReasonMethodNotAllowed, false, nil
	}
	if anyRequired && !mine.Required {
		return ReasonMethodNotRequired, false, nil
	}
	return "", true, nil
}

// dispatch runs the method-specific proof check. A returned Reason is an
// expected failure; an error is a system fault. The switch is exhaustive
// over the Method variants.
func (e *Engine) dispatch(ctx context.Context, req Request, student directory.Student) (Reason, map[string]string, error) {
	switch req.Method {
	case method.PIN:
		err := e.creds.VerifyPIN(ctx, student.ID, req.PIN)
		var locked *credential.LockedError
		switch {
		case err == nil:
			return "", nil, nil
		case errors.Is(err, credential.ErrNotConfigured):
			return ReasonNotConfigured, nil, nil
		case errors.As(err, &locked):
			remaining := strconv.Itoa(int(locked.Remaining(e.now()).Seconds()))
			return ReasonLocked, map[string]string{"retry_after_seconds": remaining}, nil
		case errors.Is(err, credential.ErrPINMismatch):
			return ReasonWrongPIN, nil, nil
		default:
			return "", nil, fmt.Errorf("verify pin: %w", err)
		}

	case method.QR:
		// The session was already resolved live; possession of its code is
		// the proof.
		return "", nil, nil

	case method.NFC:
		// Card resolution in verify() already proved possession.
		return "", nil, nil

	case method.Fingerprint:
		// Declared method with no reader integration enrolled yet.
		return ReasonNotConfigured, nil, nil

	case method.Face:
		if !student.FaceEnrolled || student.RefImageURL == "" {
			return ReasonNotConfigured, nil, nil
		}
		ref, err := e.images.Fetch(ctx, student.RefImageURL)
		if err != nil {
			return "", nil, fmt.Errorf("fetch reference image: %w", err)
		}
		res, err := e.matcher.Match(ctx, ref, req.Image, e.tolerance)
		if err != nil {
			return "", nil, fmt.Errorf("face match: %w", err)
		}
		details := map[string]string{"matched": strconv.FormatBool(res.Matched)}
		if res.FacesDetected == 0 {
			return ReasonNoFaceDetected, details, nil
		}
		if !res.Matched {
			return ReasonNoFaceMatch, details, nil
		}
		return "", details, nil
	}
	return "", nil, Structural("unknown method %q", req.Method)
}

// deriveStatus maps the check-in instant to Present or Late using the
// class's late-after cutoff; classes without one never produce Late.
func (e *Engine) deriveStatus(ctx context.Context, classID string, now time.Time) ledger.Status {
	if classID == "" {
		return ledger.Present
	}
	class, err := e.classes.Get(ctx, classID)
	if err != nil {
		e.logger.Warn("late cutoff unavailable", "class_id", classID, "err", err)
		return ledger.Present
	}
	if cutoff, ok := directory.TimeOfDayOn(class.LateAfter, now); ok && now.After(cutoff) {
		return ledger.Late
	}
	return ledger.Present
}

func cardReason(err error) (Reason, bool) {
	switch {
	case errors.Is(err, credential.ErrCardNotFound):
		return ReasonCardNotFound, true
	case errors.Is(err, credential.ErrCardInactive):
		return ReasonCardInactive, true
	case errors.Is(err, credential.ErrCardExpired):
		return ReasonCardExpired, true
	}
	return "", false
}

func (e *Engine) fail(ctx context.Context, req Request, sessionID, classID, studentID string, reason Reason, details map[string]string) Result {
	if studentID == "" {
		studentID = req.StudentID
	}
	req.StudentID = studentID
	e.record(ctx, req, sessionID, classID, false, reason, details)
	metrics.VerifyAttempts.WithLabelValues(string(req.Method), string(reason)).Inc()
	return Result{Verified: false, Reason: reason, StudentID: studentID}
}

// record appends the attempt to the audit trail. Audit writes survive the
// request deadline so a timed-out attempt is still accounted for.
func (e *Engine) record(ctx context.Context, req Request, sessionID, classID string, success bool, reason Reason, details map[string]string) {
	if details == nil {
		details = make(map[string]string, 2)
	}
	details["method"] = string(req.Method)
	if reason != "" {
		details["reason"] = string(reason)
	}
	entry := audit.Entry{
		StudentID:  req.StudentID,
		ClassID:    classID,
		SessionID:  sessionID,
		Method:     req.Method,
		Timestamp:  e.now(),
		Success:    success,
		Details:    details,
		SourceAddr: req.SourceAddr,
		DeviceInfo: req.DeviceInfo,
	}
	if err := e.auditor.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("audit write failed", "student_id", req.StudentID, "err", err)
	}
}
