package dmarc

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/firefart/dmarcmonitor/internal/helper"
)

const xsTag = `<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema" targetNamespace="http://dmarc.org/dmarc-xml/0.1">`

// ParseError marks an attachment as malformed or unsupported. The batch loop
// skips the attachment and keeps going when it sees one of these.
type ParseError struct {
	Filename string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse attachment %s: %v", e.Filename, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func newParseError(filename string, err error) *ParseError {
	return &ParseError{Filename: filename, Err: err}
}

func readGZ(content []byte) ([]byte, error) {
	buf := bytes.NewBuffer(content)
	gz, err := gzip.NewReader(buf)
	if err != nil {
		return nil, fmt.Errorf("could not gzip read: %w", err)
	}
	defer gz.Close()

	xmlContent, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("could not read: %w", err)
	}
	return xmlContent, nil
}

func readZIP(content []byte) ([]byte, string, error) {
	buf := bytes.NewReader(content)
	r, err := zip.NewReader(buf, int64(len(content)))
	if err != nil {
		return nil, "", fmt.Errorf("could not open zip: %w", err)
	}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		x, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("could not open file %s inside zip: %w", f.Name, err)
		}
		xmlContent, err := io.ReadAll(x)
		if err != nil {
			return nil, "", fmt.Errorf("could not read file %s inside zip: %w", f.Name, err)
		}
		// only use first file in the zip file
		return xmlContent, f.FileInfo().Name(), nil
	}
	return nil, "", errors.New("no valid file found within zip archive")
}

// ReadAttachment decodes an attachment into an XMLReport. The container is
// chosen by file extension with a magic byte fallback because some reporters
// send gzip content with an .xml filename. All failures are *ParseError.
func ReadAttachment(filename string, content []byte) (string, *XMLReport, error) {
	var xmlContent []byte
	var xmlFilename string
	var err error
	ext := filepath.Ext(filename)
	switch ext {
	case ".xml":
		xmlContent = content
		xmlFilename = filename
	case ".gz":
		xmlContent, err = readGZ(content)
		if err != nil {
			return "", nil, newParseError(filename, err)
		}
		xmlFilename = strings.TrimSuffix(filename, ".gz")
	case ".zip":
		xmlContent, xmlFilename, err = readZIP(content)
		if err != nil {
			return "", nil, newParseError(filename, err)
		}
	default:
		xmlContent, xmlFilename, err = readDetected(filename, content)
		if err != nil {
			return "", nil, newParseError(filename, err)
		}
	}

	// the extension said xml but the bytes say otherwise
	if ext == ".xml" && helper.DetectArchive(xmlContent) != helper.ArchiveNone {
		xmlContent, xmlFilename, err = readDetected(filename, content)
		if err != nil {
			return "", nil, newParseError(filename, err)
		}
	}

	// some xmls contain invalid XML by adding an unclosed xs tag
	xmlContent = bytes.ReplaceAll(xmlContent, []byte(xsTag), []byte(""))

	// parse XML into object
	var xmlDocument XMLReport
	if err := xml.Unmarshal(xmlContent, &xmlDocument); err != nil {
		return "", nil, newParseError(filename, fmt.Errorf("error on xml unmarshal: %w", err))
	}

	return xmlFilename, &xmlDocument, nil
}

func readDetected(filename string, content []byte) ([]byte, string, error) {
	switch helper.DetectArchive(content) {
	case helper.ArchiveGzip:
		xmlContent, err := readGZ(content)
		if err != nil {
			return nil, "", err
		}
		return xmlContent, strings.TrimSuffix(filename, ".gz"), nil
	case helper.ArchiveZip:
		return readZIP(content)
	default:
		if bytes.HasPrefix(bytes.TrimLeft(content, " \t\r\n"), []byte("<")) {
			return content, filename, nil
		}
		return nil, "", fmt.Errorf("unsupported content (extension %s)", filepath.Ext(filename))
	}
}
