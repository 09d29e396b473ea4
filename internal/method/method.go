package method

import "fmt"

// Method is a closed enumeration of attendance verification methods.
// Dispatch on it is exhaustive; adding a variant is a compile-checked
// change everywhere a switch handles Methods.
type Method string

const (
	PIN         Method = "PIN"
	QR          Method = "QR"
	NFC         Method = "NFC"
	Fingerprint Method = "FINGERPRINT"
	Face        Method = "FACE"
)

// All lists every declared method, in a stable order.
func All() []Method {
	return []Method{PIN, QR, NFC, Fingerprint, Face}
}

// Parse converts a wire string into a Method.
func Parse(s string) (Method, error) {
	switch Method(s) {
	case PIN, QR, NFC, Fingerprint, Face:
		return Method(s), nil
	}
	return "", fmt.Errorf("unknown attendance method %q", s)
}

// RequiresSession reports whether verification with this method is tied to a
// live class session code. Face verification runs directly against the
// student's stored reference image and is the one sessionless method.
func (m Method) RequiresSession() bool {
	switch m {
	case PIN, QR, NFC, Fingerprint:
		return true
	case Face:
		return false
	}
	return true
}

// ClassConfig maps a method onto one class. A class may configure zero or
// more methods; at most one row exists per (class, method). When Required is
// set for any configured method, only required methods can complete a
// check-in for that class.
type ClassConfig struct {
	ClassID  string
	Method   Method
	Required bool
	Config   map[string]string
}
