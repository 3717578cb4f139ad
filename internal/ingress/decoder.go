// Package ingress turns an HTTP multipart upload into an Artifact.
package ingress

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
)

// IdempotencyHeader lets clients retry an upload and land on the same artifact id.
const IdempotencyHeader = "Idempotency-Key"

// multipartOverhead is the slack allowed for multipart framing and other fields.
const multipartOverhead = 64 << 10

// idempotencyNamespace scopes ids derived from client idempotency keys.
var idempotencyNamespace = uuid.MustParse("6f1c3a52-8d0e-4b7a-9e55-2a4c7d9b0f13")

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// Kind classifies a rejected upload.
type Kind string

const (
	KindMissing         Kind = "Missing"
	KindTooLarge        Kind = "TooLarge"
	KindUnsupportedType Kind = "UnsupportedType"
)

// ValidationError is returned for any upload that must not enter the pipeline.
type ValidationError struct {
	Kind    Kind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func invalid(kind Kind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Options configures a Decoder.
type Options struct {
	MaxBytes     int64
	FieldName    string
	AllowedTypes []string
	// Owner names the caller an upload belongs to. Defaults to the client IP.
	Owner func(r *http.Request) string
}

// Decoder validates multipart uploads. It has no side effects beyond reading
// the request body.
type Decoder struct {
	maxBytes int64
	field    string
	allowed  map[string]bool
	owner    func(r *http.Request) string
}

func NewDecoder(opts Options) *Decoder {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 5 << 20
	}
	if opts.FieldName == "" {
		opts.FieldName = "image"
	}
	if len(opts.AllowedTypes) == 0 {
		opts.AllowedTypes = []string{"image/png", "image/jpeg"}
	}

	allowed := make(map[string]bool, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[strings.ToLower(t)] = true
	}
	if opts.Owner == nil {
		opts.Owner = remoteHost
	}
	return &Decoder{maxBytes: opts.MaxBytes, field: opts.FieldName, allowed: allowed, owner: opts.Owner}
}

// MaxBytes returns the largest accepted file size.
func (d *Decoder) MaxBytes() int64 { return d.maxBytes }

// Decode reads the first file part named by the configured field.
// All validation failures are *ValidationError.
func (d *Decoder) Decode(r *http.Request) (*models.Artifact, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, d.maxBytes+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, invalid(KindMissing, "request must be multipart/form-data with an %q file", d.field)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, invalid(KindMissing, "no file provided in field %q", d.field)
		}
		if err != nil {
			if isTooLarge(err) {
				return nil, invalid(KindTooLarge, "upload exceeds %d bytes", d.maxBytes)
			}
			return nil, invalid(KindMissing, "reading multipart body: %v", err)
		}

		if part.FormName() != d.field || part.FileName() == "" {
			part.Close()
			continue
		}

		artifact, err := d.readFile(r, part.FileName(), part.Header.Get("Content-Type"), part)
		part.Close()
		return artifact, err
	}
}

func (d *Decoder) readFile(r *http.Request, filename, declared string, body io.Reader) (*models.Artifact, error) {
	name := filepath.Base(filename)
	if !allowedExtensions[strings.ToLower(filepath.Ext(name))] {
		return nil, invalid(KindUnsupportedType, "file extension of %q is not one of .png, .jpg, .jpeg", name)
	}

	if declared != "" {
		mediaType, _, err := mime.ParseMediaType(declared)
		if err == nil && mediaType != "application/octet-stream" && !d.allowed[strings.ToLower(mediaType)] {
			return nil, invalid(KindUnsupportedType, "content type %q is not allowed", mediaType)
		}
	}

	data, err := io.ReadAll(io.LimitReader(body, d.maxBytes+1))
	if err != nil {
		if isTooLarge(err) {
			return nil, invalid(KindTooLarge, "upload exceeds %d bytes", d.maxBytes)
		}
		return nil, invalid(KindMissing, "reading file: %v", err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, invalid(KindTooLarge, "upload exceeds %d bytes", d.maxBytes)
	}
	if len(data) == 0 {
		return nil, invalid(KindMissing, "file %q is empty", name)
	}

	owner := d.owner(r)
	sniffed := mimetype.Detect(data)
	contentType, _, _ := mime.ParseMediaType(sniffed.String())
	if !d.allowed[contentType] {
		return nil, invalid(KindUnsupportedType, "file content is %s, expected one of %s", sniffed.String(), d.allowedList())
	}

	return &models.Artifact{
		ID:           artifactID(r, owner),
		Owner:        owner,
		Data:         data,
		ContentType:  contentType,
		SizeBytes:    int64(len(data)),
		OriginalName: name,
	}, nil
}

// artifactID derives a stable id from the owner and idempotency key when a key
// is present. Equal keys from different owners never share an id.
func artifactID(r *http.Request, owner string) uuid.UUID {
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		return uuid.NewSHA1(idempotencyNamespace, []byte(owner+"\x00"+key))
	}
	return uuid.New()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (d *Decoder) allowedList() string {
	types := make([]string, 0, len(d.allowed))
	for t := range d.allowed {
		types = append(types, t)
	}
	sort.Strings(types)
	return strings.Join(types, ", ")
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
