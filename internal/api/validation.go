package api

import (
	"fmt"
)

// maxFileBytes bounds the content of a single file update.
const maxFileBytes = 1024 * 1024

// validateFileRequest validates file update parameters
func validateFileRequest(req fileRequest) error {
	if req.Path == "" {
		return fmt.Errorf("path is required")
	}
	if req.Content == nil {
		return fmt.Errorf("content is required")
	}
	if len(*req.Content) > maxFileBytes {
		return fmt.Errorf("content must not exceed %d bytes", maxFileBytes)
	}
	return nil
}

// validateExecuteRequest validates command execution parameters
func validateExecuteRequest(req executeRequest) error {
	if req.Command == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}
