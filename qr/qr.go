// Package qr encodes crop lookup payloads as PNG QR codes.
package qr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

const (
	DefaultSize   = 300
	dataURLPrefix = "data:image/png;base64,"
)

// Generator builds QR codes that point at the public crop page
type Generator struct {
	baseURL string
	size    int
}

func NewGenerator(baseURL string) *Generator {
	return &Generator{
		baseURL: strings.TrimRight(baseURL, "/"),
		size:    DefaultSize,
	}
}

// Payload returns the QR contents for cropID. Keys in extra override the
// defaults.
func (g *Generator) Payload(cropID string, extra map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"cropId": cropID,
		"url":    fmt.Sprintf("%s/crop/%s", g.baseURL, cropID),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// DataURL encodes payload as JSON inside a PNG data URL
func (g *Generator) DataURL(payload interface{}) (string, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR payload: %w", err)
	}
	png, err := qrcode.Encode(string(content), qrcode.Medium, g.size)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}
