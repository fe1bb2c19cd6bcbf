package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeQRCode decodes a base64 PNG and writes it to path.
func writeQRCode(path, data string) error {
	if data == "" {
		return fmt.Errorf("server returned no QR code")
	}
	png, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("invalid QR code data: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("failed to write QR code: %w", err)
	}
	return nil
}

// formatOptional renders an optional string column.
func formatOptional(s *string, fallback string) string {
	if s != nil && *s != "" {
		return *s
	}
	return fallback
}
