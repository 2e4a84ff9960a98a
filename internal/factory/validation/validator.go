package validation

import (
	"archive/zip"
	"bytes"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// File type tags recorded in upload metadata.
const (
	TypeJS   = "js"
	TypeHTML = "html"
	TypeZip  = "zip"
)

type Metadata struct {
	FileType  string `json:"file_type"`
	FileCount int    `json:"file_count"`
	TotalSize int64  `json:"total_size"`
	IndexPath string `json:"index_path,omitempty"`
}

type Result struct {
	Accepted bool
	Message  string
	Metadata Metadata
}

type Validator struct {
	maxFileSize    int64
	maxBundleSize  int64
	maxExtractSize int64
	allowed        map[string]bool
}

func New(maxFileSize, maxBundleSize, maxExtractSize int64, allowedExtensions []string) *Validator {
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.ToLower(strings.TrimSpace(ext))] = true
	}

	return &Validator{
		maxFileSize:    maxFileSize,
		maxBundleSize:  maxBundleSize,
		maxExtractSize: maxExtractSize,
		allowed:        allowed,
	}
}

func reject(message string) Result {
	return Result{Accepted: false, Message: message}
}

// Validate runs the checks in order and stops at the first failure.
func (v *Validator) Validate(filename string, data []byte) Result {
	if len(data) == 0 {
		return reject("uploaded file is empty")
	}

	ext := strings.ToLower(path.Ext(filename))

	limit := v.maxFileSize
	if ext == ".html" || ext == ".htm" || ext == ".zip" {
		limit = v.maxBundleSize
	}
	if int64(len(data)) > limit {
		return reject(fmt.Sprintf("file exceeds the %d byte size limit", limit))
	}

	if !v.allowed[ext] {
		return reject(fmt.Sprintf("file type %q is not supported", ext))
	}

	switch ext {
	case ".js", ".mjs":
		return v.validateJS(data)
	case ".html", ".htm":
		return v.validateHTML(data)
	case ".zip":
		return v.validateZip(data)
	default:
		return reject(fmt.Sprintf("file type %q is not supported", ext))
	}
}

func (v *Validator) validateJS(data []byte) Result {
	if !utf8.Valid(data) {
		return reject("JavaScript file is not valid UTF-8")
	}

	return Result{
		Accepted: true,
		Message:  "JavaScript module accepted",
		Metadata: Metadata{FileType: TypeJS, FileCount: 1, TotalSize: int64(len(data))},
	}
}

func (v *Validator) validateHTML(data []byte) Result {
	if !utf8.Valid(data) {
		return reject("HTML file is not valid UTF-8")
	}

	if strings.TrimSpace(string(data)) == "" {
		return reject("HTML file is empty")
	}

	return Result{
		Accepted: true,
		Message:  "HTML game accepted; scripts run in the player's browser",
		Metadata: Metadata{FileType: TypeHTML, FileCount: 1, TotalSize: int64(len(data))},
	}
}

func (v *Validator) validateZip(data []byte) Result {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return reject("file is not a valid ZIP archive")
	}

	var (
		indexPath string
		totalSize int64
		fileCount int
	)

	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}

		fileCount++
		totalSize += int64(entry.UncompressedSize64)

		if strings.EqualFold(path.Base(entry.Name), "index.html") {
			// Prefer the shallowest index.html.
			if indexPath == "" || strings.Count(entry.Name, "/") < strings.Count(indexPath, "/") {
				indexPath = entry.Name
			}
		}
	}

	if indexPath == "" {
		return reject("ZIP archive must contain an index.html")
	}

	if totalSize > v.maxExtractSize {
		return reject(fmt.Sprintf("ZIP contents exceed the %d byte extraction limit", v.maxExtractSize))
	}

	index, err := reader.Open(indexPath)
	if err != nil {
		return reject("could not read index.html from the ZIP archive")
	}
	defer index.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(index); err != nil {
		return reject("could not read index.html from the ZIP archive")
	}

	if !utf8.Valid(buf.Bytes()) {
		return reject("index.html is not valid UTF-8")
	}

	return Result{
		Accepted: true,
		Message:  "HTML game bundle accepted; scripts run in the player's browser",
		Metadata: Metadata{FileType: TypeZip, FileCount: fileCount, TotalSize: totalSize, IndexPath: indexPath},
	}
}
