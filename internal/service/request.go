package service

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"webproxy-go/internal/model"
)

var (
	// ErrMalformedRequest is returned when the request line or header block
	// cannot be parsed.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrLineTooLong is returned when a request line or header exceeds the
	// configured line limit.
	ErrLineTooLong = errors.New("request line too long")
)

// maxHeaderLines caps the header block so a client cannot stream headers forever.
const maxHeaderLines = 256

// ReadRequest reads a request line and its header block from r.
//
// The request line must hold exactly three whitespace-separated fields.
// Headers are consumed up to the blank line and dropped; the proxy builds
// its own header block. No body is read. A client that disconnects before
// sending anything yields io.EOF.
func ReadRequest(r *bufio.Reader, maxLine int) (*model.IncomingRequest, error) {
	line, err := readLine(r, maxLine)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated request line", ErrMalformedRequest)
		}
		if errors.Is(err, ErrLineTooLong) {
			return nil, fmt.Errorf("request line: %w", err)
		}
		return nil, err
	}

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: request line has %d fields, want 3", ErrMalformedRequest, len(fields))
	}
	req := &model.IncomingRequest{
		Method:  fields[0],
		Target:  fields[1],
		Version: fields[2],
	}

	if err := discardHeaders(r, maxLine); err != nil {
		return nil, err
	}
	return req, nil
}

// discardHeaders consumes header lines through the terminating blank line.
func discardHeaders(r *bufio.Reader, maxLine int) error {
	for range maxHeaderLines {
		line, err := readLine(r, maxLine)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: connection closed before end of headers", ErrMalformedRequest)
			}
			if errors.Is(err, ErrLineTooLong) {
				return fmt.Errorf("header: %w", err)
			}
			return err
		}

		if line == "\r\n" || line == "\n" {
			return nil
		}
	}
	return fmt.Errorf("%w: more than %d header lines", ErrMalformedRequest, maxHeaderLines)
}

// readLine reads one line including its terminator. A line longer than
// maxLine bytes fails with ErrLineTooLong; only maxLine bytes are buffered.
// EOF before any byte yields io.EOF, EOF mid-line io.ErrUnexpectedEOF.
func readLine(r *bufio.Reader, maxLine int) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if maxLine > 0 && len(line)+len(chunk) > maxLine {
			return "", ErrLineTooLong
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return string(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 {
				return "", io.EOF
			}
			return "", io.ErrUnexpectedEOF
		default:
			return "", err
		}
	}
}
