package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
)

const (
	// BookFormField holds the json encoded book of multipart requests.
	BookFormField = "book"
	// ImageFormField holds the optional cover file of multipart requests.
	ImageFormField = "image"

	multipartMemory   = 1 << 20
	payloadSizeMargin = 1 << 20
)

// DecodeBookRequest reads a book creation or update request into v. Multipart
// forms carry the book as json in the `book` field next to an optional `image`
// file. Any other request is decoded as a json body. The returned upload is nil
// when no file was sent and must be closed by the caller otherwise.
func DecodeBookRequest(w http.ResponseWriter, r *http.Request, maxImageSize int64, v any) (*Upload, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, fmt.Errorf("%w: empty request body", ErrInvalidPayload)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImageSize+payloadSizeMargin)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return nil, decodeJSON(r.Body, v)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, bodyError(err)
	}
	raw := r.FormValue(BookFormField)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing %q form field", ErrInvalidPayload, BookFormField)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	file, header, err := r.FormFile(ImageFormField)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, bodyError(err)
	}
	return &Upload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Data:        file,
	}, nil
}

// Close releases the underlying file if any.
func (u *Upload) Close() error {
	if u == nil {
		return nil
	}
	if c, ok := u.Data.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// RatingInput is the body of a rating request.
type RatingInput struct {
	Grade json.Number `json:"grade"`
}

// DecodeRatingRequest returns the grade sent by the client. A missing or
// non integer grade is reported as an invalid grade.
func DecodeRatingRequest(w http.ResponseWriter, r *http.Request) (int, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return 0, fmt.Errorf("%w: empty request body", ErrInvalidPayload)
	}
	r.Body = http.MaxBytesReader(w, r.Body, payloadSizeMargin)
	var input RatingInput
	if err := decodeJSON(r.Body, &input); err != nil {
		return 0, err
	}
	grade, err := strconv.Atoi(input.Grade.String())
	if err != nil {
		return 0, ErrInvalidGrade
	}
	return grade, nil
}

func decodeJSON(body io.Reader, v any) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return bodyError(err)
	}
	return nil
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: request body above %d bytes", ErrPayloadTooLarge, maxErr.Limit)
	}
	return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
}
