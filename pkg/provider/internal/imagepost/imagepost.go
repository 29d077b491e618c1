// Package imagepost posts a JPEG-encoded image as multipart/form-data to an
// inference endpoint and decodes the JSON answer. It is shared by the remote
// detector and classifier adapters.
package imagepost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/MrWong99/engagemeter/pkg/imageutil"
)

// FieldName is the multipart field carrying the image.
const FieldName = "image"

// JPEGQuality is the encode quality used for uploads.
const JPEGQuality = 90

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Do encodes img, POSTs it to endpoint and unmarshals the JSON response into
// out. prefix is used for error messages (e.g. "remote detector").
func Do(ctx context.Context, client *http.Client, endpoint, prefix string, img image.Image, out any) error {
	data, err := imageutil.EncodeJPEG(img, JPEGQuality)
	if err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(FieldName, "frame.jpg")
	if err != nil {
		return fmt.Errorf("%s: create form file: %w", prefix, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("%s: write image data: %w", prefix, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("%s: close multipart writer: %w", prefix, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", prefix, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: http request: %w", prefix, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: server returned HTTP %d", prefix, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response body: %w", prefix, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: parse JSON response: %w", prefix, err)
	}
	return nil
}
