package util

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"

	"github.com/jimmingcheng/pi-robot/internal/types"
)

// ErrNotWritable is returned by CheckPathWritable.
var ErrNotWritable = errors.New("path is not writable")

// IsConfigured reports whether all provided values are non-empty.
func IsConfigured(values ...string) bool {
	for _, v := range values {
		if v == "" {
			return false
		}
	}
	return true
}

// ValidatePath rejects empty paths and paths containing "..".
func ValidatePath(field, path string) error {
	if path == "" {
		return fmt.Errorf("%s: is required", field)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%s: path cannot contain '..'", field)
	}
	return nil
}

// CheckPathWritable verifies that a directory exists, creating it if needed,
// and that a file can be written to and removed from it.
func CheckPathWritable(fs afero.Fs, path string) error {
	if err := fs.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", ErrNotWritable, path, err)
	}

	testFile := filepath.Join(path, fmt.Sprintf(".robot-write-test-%d", time.Now().UnixNano()))
	if err := afero.WriteFile(fs, testFile, make([]byte, 1024), 0o644); err != nil {
		_ = fs.Remove(testFile) // Best effort cleanup
		return fmt.Errorf("%w: write %s: %w", ErrNotWritable, path, err)
	}
	if err := fs.Remove(testFile); err != nil {
		return fmt.Errorf("%w: remove test file: %w", ErrNotWritable, err)
	}
	return nil
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ToValidationError converts validator errors to a ValidationError. Field
// paths drop the root type, so "Config.detection.silence_threshold" becomes
// "detection.silence_threshold". Other errors become a single entry without
// a field.
func ToValidationError(err error) *types.ValidationError {
	verr := types.NewValidationError()

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		verr.Add("", err.Error(), nil)
		return verr
	}

	for _, e := range validationErrors {
		field := e.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		verr.Add(field, formatValidationMessage(e), e.Value())
	}
	return verr
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
