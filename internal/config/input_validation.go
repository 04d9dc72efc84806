package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

const (
	// MaxRepoIDLength is the maximum allowed length for a dataset repo ID
	MaxRepoIDLength = 200

	// MaxModelNameLength is the maximum allowed length for model names
	MaxModelNameLength = 100

	// MaxColumnNameLength is the maximum allowed length for column names
	MaxColumnNameLength = 100
)

// ValidateInputs performs additional security validation on user-controllable
// fields. This prevents injection through URLs, repo IDs, and column names
// that end up in request paths and file names.
func (c *Config) ValidateInputs() error {
	if c.Dataset.Source == "hub" {
		if err := validateRepoID(c.Dataset.RepoID); err != nil {
			return fmt.Errorf("invalid dataset.repo_id: %w", err)
		}
	}

	for _, col := range []string{c.Dataset.PromptColumn, c.Dataset.ChosenColumn, c.Dataset.RejectedColumn} {
		if err := validateColumnName(col); err != nil {
			return err
		}
	}

	if err := validateBaseURL(c.Finetune.BaseURL); err != nil {
		return fmt.Errorf("invalid finetune.base_url: %w", err)
	}

	if err := validateModelName(c.Finetune.Model); err != nil {
		return err
	}

	return nil
}

// validateRepoID checks the "owner/name" dataset reference
func validateRepoID(repoID string) error {
	if len(repoID) > MaxRepoIDLength {
		return fmt.Errorf("exceeds maximum length of %d characters (got %d)", MaxRepoIDLength, len(repoID))
	}

	parts := strings.Split(repoID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("expected 'owner/name' format, got %q", repoID)
	}

	if strings.Contains(repoID, "..") {
		return fmt.Errorf("contains '..' (path traversal attempt)")
	}
	if containsControlChars(repoID) {
		return fmt.Errorf("contains invalid control characters")
	}

	return nil
}

// validateColumnName checks a dataset column name for security issues
func validateColumnName(name string) error {
	if len(name) > MaxColumnNameLength {
		return fmt.Errorf("column name %q exceeds maximum length of %d", name, MaxColumnNameLength)
	}
	if containsControlChars(name) {
		return fmt.Errorf("column name %q contains invalid control characters", name)
	}
	return nil
}

// validateModelName checks model name for security issues
func validateModelName(modelName string) error {
	if len(modelName) > MaxModelNameLength {
		return fmt.Errorf("finetune.model exceeds maximum length of %d (got %d)", MaxModelNameLength, len(modelName))
	}
	if containsControlChars(modelName) {
		return fmt.Errorf("finetune.model contains invalid control characters")
	}
	return nil
}

// validateBaseURL checks that the base URL is properly formatted and safe
func validateBaseURL(baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme (got %s)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("must have a host")
	}

	return nil
}

// containsControlChars checks if a string contains control characters
// (excluding newlines, tabs, and carriage returns which are acceptable)
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return true
		}
	}
	return false
}
