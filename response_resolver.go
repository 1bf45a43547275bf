package chatrelay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tidwall/gjson"
)

// NoContentText replaces an empty chat completion.
const NoContentText = "No response content."

var (
	// chatContentPaths are tried in order; the first non-blank value wins.
	chatContentPaths = []string{
		"choices.0.message.content",
		"choices.0.text",
		"message.content",
		"response",
	}

	inlinePayloadPaths = []string{
		"b64_json",
		"data.0.b64_json",
		"audio",
		"image",
		"audio_base64",
		"image_base64",
		"b64",
		"base64",
		"data.0.b64",
	}

	mediaURLPaths = []string{
		"audio_url",
		"image_url",
		"url",
		"data.0.url",
		"output_url",
	}

	formatHintPaths = []string{
		"format",
		"response_format",
		"mime_type",
		"content_type",
	}
)

// Media is a resolved media payload ready for delivery.
type Media struct {
	Data        []byte
	Extension   string
	ContentType string
}

// ResponseResolver classifies gateway responses. The gateway answers media
// requests either with a JSON envelope (inline base64 or a URL to fetch) or with
// the raw bytes; both shapes are accepted.
type ResponseResolver struct {
	fetcher Fetcher
}

// NewResponseResolver creates a resolver that uses fetcher for URL-wrapped media.
func NewResponseResolver(fetcher Fetcher) *ResponseResolver {
	return &ResponseResolver{fetcher: fetcher}
}

// ResolveChat extracts the assistant text from a chat response. A response
// without content resolves to NoContentText.
func (r *ResponseResolver) ResolveChat(resp *GatewayResponse) (string, error) {
	if resp == nil {
		return "", &GatewayError{Op: string(ModalityChat), Err: errors.New("nil response")}
	}

	mediaType := resp.MediaType()
	switch {
	case isJSONMediaType(mediaType) || (mediaType == "" && gjson.ValidBytes(resp.Body)):
		if !gjson.ValidBytes(resp.Body) {
			return "", &GatewayError{Op: string(ModalityChat), StatusCode: resp.StatusCode, Err: errors.New("malformed JSON response")}
		}
		doc := gjson.ParseBytes(resp.Body)
		for _, path := range chatContentPaths {
			if text := contentText(doc.Get(path)); strings.TrimSpace(text) != "" {
				return text, nil
			}
		}
		return NoContentText, nil

	case strings.HasPrefix(mediaType, "text/"):
		if text := strings.TrimSpace(string(resp.Body)); text != "" {
			return text, nil
		}
		return NoContentText, nil

	default:
		return "", &GatewayError{
			Op:         string(ModalityChat),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected content type %q", mediaType),
		}
	}
}

// contentText reads a message content that is either a string or a list of parts.
func contentText(value gjson.Result) string {
	if value.IsArray() {
		var sb strings.Builder
		for _, part := range value.Array() {
			if part.Type == gjson.String {
				sb.WriteString(part.String())
				continue
			}
			sb.WriteString(part.Get("text").String())
		}
		return sb.String()
	}
	if value.Type == gjson.String {
		return value.String()
	}
	return ""
}

// ResolveMedia turns an image, speech or music response into bytes plus a file
// extension. Unusable responses return a *MediaResolutionError wrapping
// ErrNoUsableMedia; a failed secondary fetch returns the fetcher's error.
func (r *ResponseResolver) ResolveMedia(ctx context.Context, resp *GatewayResponse, modality Modality) (Media, error) {
	if resp == nil || len(resp.Body) == 0 {
		return Media{}, noUsableMedia(modality, "empty response body")
	}

	mediaType := resp.MediaType()
	switch {
	case isJSONMediaType(mediaType):
		return r.resolveJSONMedia(ctx, resp.Body, modality)
	case mediaType == "" && gjson.ValidBytes(resp.Body):
		return r.resolveJSONMedia(ctx, resp.Body, modality)
	case mediaType == "" || isBinaryMediaType(mediaType):
		return binaryMedia(resp.Body, mediaType, modality)
	default:
		return Media{}, noUsableMedia(modality, fmt.Sprintf("unsupported content type %q", mediaType))
	}
}

func (r *ResponseResolver) resolveJSONMedia(ctx context.Context, body []byte, modality Modality) (Media, error) {
	if !gjson.ValidBytes(body) {
		return Media{}, noUsableMedia(modality, "malformed JSON body")
	}
	doc := gjson.ParseBytes(body)

	mediaURL := firstString(doc, mediaURLPaths)
	for _, path := range inlinePayloadPaths {
		value := doc.Get(path)
		if value.Type != gjson.String || value.String() == "" {
			continue
		}
		if looksLikeURL(value.String()) {
			if mediaURL == "" {
				mediaURL = value.String()
			}
			continue
		}

		data, hint, err := decodeInlinePayload(value.String())
		if err != nil {
			return Media{}, &MediaResolutionError{
				Modality: modality,
				Reason:   fmt.Sprintf("field %q is not base64", path),
				Err:      fmt.Errorf("%w: %v", ErrNoUsableMedia, err),
			}
		}
		if len(data) == 0 {
			return Media{}, noUsableMedia(modality, fmt.Sprintf("field %q decodes to no bytes", path))
		}
		if hint == "" {
			hint = firstString(doc, formatHintPaths)
		}
		if hint == "" {
			hint = mimetype.Detect(data).String()
		}
		return Media{Data: data, Extension: ExtensionFor(modality, hint), ContentType: hint}, nil
	}

	if mediaURL == "" {
		return Media{}, noUsableMedia(modality, "no inline payload or URL field")
	}
	if r.fetcher == nil {
		return Media{}, noUsableMedia(modality, "no fetcher for URL-wrapped media")
	}

	secondary, err := r.fetcher.Fetch(ctx, mediaURL)
	if err != nil {
		return Media{}, err
	}
	if secondary == nil || len(secondary.Body) == 0 {
		return Media{}, noUsableMedia(modality, "referenced media is empty")
	}

	mediaType := secondary.MediaType()
	if isJSONMediaType(mediaType) || strings.HasPrefix(mediaType, "text/") {
		return Media{}, noUsableMedia(modality, fmt.Sprintf("referenced media has content type %q", mediaType))
	}
	return binaryMedia(secondary.Body, mediaType, modality)
}

func binaryMedia(body []byte, mediaType string, modality Modality) (Media, error) {
	if len(body) == 0 {
		return Media{}, noUsableMedia(modality, "empty media body")
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = mimetype.Detect(body).String()
	}
	return Media{Data: body, Extension: ExtensionFor(modality, mediaType), ContentType: mediaType}, nil
}

// ExtensionFor picks a file extension for media of the given modality from a
// content type or format name such as "audio/wav" or "mp3".
func ExtensionFor(modality Modality, contentType string) string {
	ct := strings.ToLower(contentType)

	if modality == ModalityImage {
		switch {
		case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
			return ".jpg"
		case strings.Contains(ct, "webp"):
			return ".webp"
		case strings.Contains(ct, "gif"):
			return ".gif"
		default:
			return ".png"
		}
	}

	switch {
	case strings.Contains(ct, "wav"):
		return ".wav"
	case strings.Contains(ct, "ogg"), strings.Contains(ct, "opus"):
		return ".ogg"
	case strings.Contains(ct, "flac"):
		return ".flac"
	default:
		return ".mp3"
	}
}

func decodeInlinePayload(payload string) ([]byte, string, error) {
	var hint string
	if strings.HasPrefix(payload, "data:") {
		comma := strings.Index(payload, ",")
		if comma < 0 {
			return nil, "", errors.New("data URI without payload")
		}
		hint = strings.TrimSuffix(payload[len("data:"):comma], ";base64")
		payload = payload[comma+1:]
	}
	payload = strings.TrimSpace(payload)

	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if data, err := enc.DecodeString(payload); err == nil {
			return data, hint, nil
		}
	}
	return nil, hint, errors.New("payload is not valid base64")
}

func firstString(doc gjson.Result, paths []string) string {
	for _, path := range paths {
		if value := doc.Get(path); value.Type == gjson.String && value.String() != "" {
			return value.String()
		}
	}
	return ""
}

func looksLikeURL(value string) bool {
	return strings.HasPrefix(value, "http://") ||
		strings.HasPrefix(value, "https://") ||
		strings.HasPrefix(value, "/")
}

func isJSONMediaType(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func isBinaryMediaType(mediaType string) bool {
	return strings.HasPrefix(mediaType, "audio/") ||
		strings.HasPrefix(mediaType, "image/") ||
		strings.HasPrefix(mediaType, "video/") ||
		mediaType == "application/octet-stream"
}
