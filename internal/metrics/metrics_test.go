package metrics

import "testing"

// Register must be callable exactly once without panicking; duplicate
// registration is a programming error we want to catch early.
func TestRegisterOnce(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Register panicked: %v", r)
		}
	}()
	Register()
}
