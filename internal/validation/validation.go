// Package validation provides input validation for the privileged helper API.
package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrInputTooLong indicates input exceeds maximum length.
	ErrInputTooLong = errors.New("input exceeds maximum length")
	// ErrInputInvalid indicates input contains invalid characters.
	ErrInputInvalid = errors.New("input contains invalid characters")
	// ErrInputEmpty indicates a required value is missing.
	ErrInputEmpty = errors.New("input is required")
)

var (
	profileIdentifierRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*$`)
	vendorIDRe          = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*$`)
	tenantNameRe        = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.\-_ ]*$`)
	usernameRe          = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)
)

// dangerousPaths contains system paths that should never be copied wholesale
var dangerousPaths = []string{
	"/", "/bin", "/dev", "/etc", "/sbin", "/usr", "/var",
	"/System", "/Library", "/Users", "/Applications",
	// macOS symlinked paths
	"/private", "/private/etc", "/private/var", "/private/tmp",
}

// ValidatePath validates a file system path.
func ValidatePath(path string) error {
	// Prevent path traversal
	if strings.Contains(path, "..") {
		return ErrInputInvalid
	}

	// Must be absolute path
	if !strings.HasPrefix(path, "/") {
		return ErrInputInvalid
	}

	// Disallow null bytes and other dangerous characters
	if strings.ContainsAny(path, "\x00\n\r") {
		return ErrInputInvalid
	}

	return nil
}

// SecurePath validates path and resolves symlinks. Top-level system
// directories are rejected.
func SecurePath(inputPath string) (string, error) {
	if err := ValidatePath(inputPath); err != nil {
		return "", err
	}

	cleanPath := filepath.Clean(inputPath)

	realPath, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("invalid path: %w", err)
		}
		realPath = cleanPath
	}

	for _, dp := range dangerousPaths {
		if realPath == dp || cleanPath == dp {
			return "", fmt.Errorf("access to system path %s is forbidden", dp)
		}
	}

	return realPath, nil
}

// ValidateProfileIdentifier validates a configuration profile identifier.
func ValidateProfileIdentifier(id string) error {
	if id == "" {
		return ErrInputEmpty
	}
	if len(id) > 255 {
		return ErrInputTooLong
	}
	if !profileIdentifierRe.MatchString(id) {
		return ErrInputInvalid
	}
	return nil
}

// ValidateVendorID validates a registry vendor identifier.
func ValidateVendorID(id string) error {
	if id == "" {
		return ErrInputEmpty
	}
	if len(id) > 64 {
		return ErrInputTooLong
	}
	if !vendorIDRe.MatchString(id) {
		return ErrInputInvalid
	}
	return nil
}

// ValidateTenantName validates a target tenant name such as
// "contoso.onmicrosoft.com".
func ValidateTenantName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInputEmpty
	}
	if len(name) > 253 {
		return ErrInputTooLong
	}
	if !tenantNameRe.MatchString(name) {
		return ErrInputInvalid
	}
	return nil
}

// ValidateUsername validates a local account short name.
func ValidateUsername(username string) error {
	if username == "" {
		return ErrInputEmpty
	}
	if len(username) > 255 {
		return ErrInputTooLong
	}
	if !usernameRe.MatchString(username) {
		return ErrInputInvalid
	}
	return nil
}
